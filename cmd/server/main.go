package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callwise-ai/voice-pipeline/internal/billing"
	"github.com/callwise-ai/voice-pipeline/internal/config"
	"github.com/callwise-ai/voice-pipeline/internal/llm"
	"github.com/callwise-ai/voice-pipeline/internal/observability"
	"github.com/callwise-ai/voice-pipeline/internal/session"
	"github.com/callwise-ai/voice-pipeline/internal/stt"
	"github.com/callwise-ai/voice-pipeline/internal/transport"
	"github.com/callwise-ai/voice-pipeline/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Int("max_sessions", cfg.MaxSessions).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice pipeline service starting")

	// Provider clients are shared by every session.
	sttClient := stt.NewDeepgramClient(cfg)
	llmClient := llm.NewOpenAIClient(cfg)
	ttsClient := tts.NewCartesiaClient(cfg)
	collaborator := billing.NewCollaborator(cfg)

	registry := session.NewRegistry(cfg, session.Providers{
		STT: sttClient,
		LLM: llmClient,
		TTS: ttsClient,
	}, collaborator)

	mux := http.NewServeMux()

	// Telephony media stream endpoint
	mux.HandleFunc("/streams/telephony", transport.HandleMediaStream(registry))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness probes each provider plus registry headroom
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"deepgram": sttClient.HealthCheck,
		"openai":   llmClient.HealthCheck,
		"cartesia": ttsClient.HealthCheck,
		"registry": func(ctx context.Context) (bool, error) {
			if registry.Count() >= cfg.MaxSessions {
				return false, fmt.Errorf("registry at capacity (%d sessions)", registry.Count())
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: mux,
		// WebSocket connections are hijacked on upgrade; these timeouts
		// bound only the plain HTTP endpoints.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		endpoint := fmt.Sprintf("ws://localhost:%s/streams/telephony", cfg.Port)
		if cfg.PublicURL != "" {
			endpoint = cfg.PublicURL + "/streams/telephony"
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// End remaining calls and let their billing records flush.
	registry.Close()

	sttClient.Close()
	llmClient.Close()
	ttsClient.Close()

	logger.Info().Msg("Server exited gracefully")
}
