package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/callwise-ai/voice-pipeline/internal/config"
	"github.com/callwise-ai/voice-pipeline/internal/observability"
	"github.com/callwise-ai/voice-pipeline/internal/resilience"
)

const breakerName = "cartesia"

// CartesiaClient synthesizes speech through Cartesia's TTS API.
type CartesiaClient struct {
	config         *config.Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
}

// cartesiaRequest represents the request payload for the Cartesia TTS API
type cartesiaRequest struct {
	Text         string  `json:"text"`
	VoiceID      string  `json:"voice_id"`
	ModelID      string  `json:"model_id,omitempty"`
	OutputFormat string  `json:"output_format,omitempty"`
	SampleRate   int     `json:"sample_rate,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
}

// NewCartesiaClient creates a Cartesia TTS client.
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	return &CartesiaClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.CartesiaTimeout) * time.Second,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			breakerName,
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// Synthesize converts one utterance to PCM audio at the provider's rate.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Audio, error) {
	speakable := SanitizeText(text)
	if speakable == "" {
		return nil, fmt.Errorf("no speakable text after sanitization")
	}

	var audio *Audio
	err := c.circuitBreaker.Call(func() error {
		return resilience.RetryWithContext(ctx, func() error {
			var callErr error
			audio, callErr = c.synthesizeOnce(ctx, speakable, voice)
			return callErr
		}, c.retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState(breakerName, int(c.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(breakerName)
		return nil, fmt.Errorf("cartesia synthesis failed: %w", err)
	}

	return audio, nil
}

func (c *CartesiaClient) synthesizeOnce(ctx context.Context, text string, voice VoiceProfile) (*Audio, error) {
	voiceID := voice.VoiceID
	if voiceID == "" {
		voiceID = c.config.CartesiaVoiceID
	}
	modelID := voice.ModelID
	if modelID == "" {
		modelID = c.config.CartesiaModelID
	}
	speed := voice.Speed
	if speed == 0 {
		speed = c.config.CartesiaSpeed
	}

	body, err := json.Marshal(cartesiaRequest{
		Text:         text,
		VoiceID:      voiceID,
		ModelID:      modelID,
		OutputFormat: "pcm",
		SampleRate:   c.config.CartesiaSampleRate,
		Speed:        speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.CartesiaBaseURL+"/v1/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.CartesiaAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, msg)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio")
	}

	return &Audio{
		PCM:        pcm,
		SampleRate: c.config.CartesiaSampleRate,
	}, nil
}

// HealthCheck validates the client configuration. No API call is made to
// avoid per-request provider costs.
func (c *CartesiaClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.config.CartesiaAPIKey == "" {
		return false, fmt.Errorf("cartesia API key not configured")
	}
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, fmt.Errorf("cartesia circuit breaker is open")
	}
	return true, nil
}

// Close releases client resources.
func (c *CartesiaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SanitizeText strips characters the synthesis engine cannot speak, such as
// markdown markers and emoji, and collapses the leftover whitespace.
func SanitizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for _, r := range text {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			b.WriteRune(r)
		case strings.ContainsRune(".,!?;:'\"()-", r):
			b.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
