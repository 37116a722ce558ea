package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice pipeline service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind a tunnel).
	// Used for logging the WebSocket endpoint; the telephony gateway connects
	// to wss://<this-host>/streams/telephony. Optional.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramBaseURL  string `envconfig:"DEEPGRAM_BASE_URL" default:"https://api.deepgram.com"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)
	DeepgramTimeout  int    `envconfig:"DEEPGRAM_TIMEOUT" default:"10"`   // Request timeout in seconds

	// OpenAI generation API configuration
	OpenAIAPIKey      string  `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIBaseURL     string  `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIModel       string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIMaxTokens   int     `envconfig:"OPENAI_MAX_TOKENS" default:"150"` // Voice replies must stay short
	OpenAITemperature float64 `envconfig:"OPENAI_TEMPERATURE" default:"0.7"`
	OpenAITimeout     int     `envconfig:"OPENAI_TIMEOUT" default:"20"` // Request timeout in seconds
	// MaxHistoryMessages caps how much history is sent per generation
	// request. The stored transcript is not truncated.
	MaxHistoryMessages int `envconfig:"MAX_HISTORY_MESSAGES" default:"40"`

	// Cartesia TTS API configuration
	CartesiaAPIKey     string  `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaBaseURL    string  `envconfig:"CARTESIA_BASE_URL" default:"https://api.cartesia.ai"`
	CartesiaVoiceID    string  `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID    string  `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	CartesiaSpeed      float64 `envconfig:"CARTESIA_SPEED" default:"1.0"`
	CartesiaSampleRate int     `envconfig:"CARTESIA_SAMPLE_RATE" default:"24000"`
	CartesiaTimeout    int     `envconfig:"CARTESIA_TIMEOUT" default:"15"` // Request timeout in seconds

	// Session registry configuration
	MaxSessions          int `envconfig:"MAX_SESSIONS" default:"1000"`           // Hard concurrent-call bound
	SessionMaxIdle       int `envconfig:"SESSION_MAX_IDLE" default:"15"`         // Minutes before a session is stale
	SessionSweepInterval int `envconfig:"SESSION_SWEEP_INTERVAL" default:"5"`    // Minutes between stale sweeps
	SettleDelay          int `envconfig:"SETTLE_DELAY" default:"400"`            // Milliseconds after an utterance before listening resumes
	MinSegmentDuration   int `envconfig:"MIN_SEGMENT_DURATION" default:"200"`    // Milliseconds; shorter segments are discarded
	DefaultSystemPrompt  string `envconfig:"DEFAULT_SYSTEM_PROMPT" default:"You are a helpful voice assistant. Keep your answers short and conversational."`

	// Endpointing configuration
	VADWindowFrames       int     `envconfig:"VAD_WINDOW_FRAMES" default:"50"`        // Rolling noise window size
	VADMinWindowFrames    int     `envconfig:"VAD_MIN_WINDOW_FRAMES" default:"20"`    // Observations before the baseline is trusted
	VADBaselinePercentile float64 `envconfig:"VAD_BASELINE_PERCENTILE" default:"0.30"`
	VADThresholdMargin    float64 `envconfig:"VAD_THRESHOLD_MARGIN" default:"0.15"`
	VADSmoothing          float64 `envconfig:"VAD_SMOOTHING" default:"0.2"` // EWMA factor for threshold updates
	VADVarianceFloor      float64 `envconfig:"VAD_VARIANCE_FLOOR" default:"120.0"`
	VADSilenceFloor       int     `envconfig:"VAD_SILENCE_FLOOR" default:"200"`        // Sample magnitude below which a sample counts as silence
	VADInitialThreshold   float64 `envconfig:"VAD_INITIAL_THRESHOLD" default:"0.25"`   // Speech threshold until the noise window fills
	VADStartFrames        int     `envconfig:"VAD_START_FRAMES" default:"3"`
	VADHangoverFrames     int     `envconfig:"VAD_HANGOVER_FRAMES" default:"3"`
	VADDebounce           int     `envconfig:"VAD_DEBOUNCE" default:"300"` // Milliseconds of silence past the hangover
	VADBargeInMargin      float64 `envconfig:"VAD_BARGE_IN_MARGIN" default:"0.25"`
	VADBargeInVariance    float64 `envconfig:"VAD_BARGE_IN_VARIANCE" default:"900.0"`

	// Billing configuration
	BillingWebhookURL string  `envconfig:"BILLING_WEBHOOK_URL" default:""` // Empty disables billing delivery
	BillingTimeout    int     `envconfig:"BILLING_TIMEOUT" default:"10"`   // Request timeout in seconds
	CostPerSTTSecond  float64 `envconfig:"COST_PER_STT_SECOND" default:"0.0008"`
	CostPerLLMToken   float64 `envconfig:"COST_PER_LLM_TOKEN" default:"0.000002"`
	CostPerTTSChar    float64 `envconfig:"COST_PER_TTS_CHAR" default:"0.00003"`
	CostPerCallMinute float64 `envconfig:"COST_PER_CALL_MINUTE" default:"0.007"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if c.VADSmoothing <= 0 || c.VADSmoothing > 1 {
		return fmt.Errorf("VAD_SMOOTHING must be in (0, 1], got %f", c.VADSmoothing)
	}
	if c.VADDebounce < 100 || c.VADDebounce > 400 {
		return fmt.Errorf("VAD_DEBOUNCE must be between 100 and 400 milliseconds, got %d", c.VADDebounce)
	}
	return nil
}
