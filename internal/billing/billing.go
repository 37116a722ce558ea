package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/callwise-ai/voice-pipeline/internal/config"
	"github.com/callwise-ai/voice-pipeline/internal/observability"
	"github.com/callwise-ai/voice-pipeline/internal/resilience"
)

// CostBreakdown itemizes the metered resources of one call.
type CostBreakdown struct {
	TranscriptionSeconds float64 `json:"transcription_seconds"`
	GenerationTokens     int     `json:"generation_tokens"`
	SynthesisCharacters  int     `json:"synthesis_characters"`
	TelephonyMinutes     float64 `json:"telephony_minutes"`
	TotalUSD             float64 `json:"total_usd"`
}

// TranscriptEntry is one turn of the conversation transcript.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// CallRecord is the one-shot settlement payload produced at session end.
type CallRecord struct {
	CallID          string            `json:"call_id"`
	DurationSeconds float64           `json:"duration_seconds"`
	Costs           CostBreakdown     `json:"costs"`
	Transcript      []TranscriptEntry `json:"transcript"`
	EndedAt         time.Time         `json:"ended_at"`
}

// Collaborator receives the final call record. Delivery failure must never
// block session cleanup; callers submit from a detached goroutine.
type Collaborator interface {
	Submit(ctx context.Context, record CallRecord) error
}

// Noop discards call records. Used when no billing webhook is configured.
type Noop struct{}

// Submit discards the record.
func (Noop) Submit(ctx context.Context, record CallRecord) error {
	return nil
}

// WebhookClient delivers call records to an external billing endpoint.
type WebhookClient struct {
	url         string
	httpClient  *http.Client
	retryConfig *resilience.RetryConfig
}

// NewWebhookClient creates a billing webhook client.
func NewWebhookClient(cfg *config.Config) *WebhookClient {
	return &WebhookClient{
		url: cfg.BillingWebhookURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.BillingTimeout) * time.Second,
		},
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// Submit posts the record to the configured webhook. Errors are returned for
// logging only; the caller never retries beyond this.
func (c *WebhookClient) Submit(ctx context.Context, record CallRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	err = resilience.RetryWithContext(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if reqErr != nil {
			return fmt.Errorf("failed to create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return fmt.Errorf("request failed: %w", doErr)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			return fmt.Errorf("billing webhook returned status %d", resp.StatusCode)
		}
		return nil
	}, c.retryConfig, resilience.IsRetryableNetworkError)

	if err != nil {
		logger := observability.GetLogger()
		logger.Error().
			Err(err).
			Str("call_id", record.CallID).
			Msg("Failed to deliver billing record")
		return err
	}
	return nil
}

// NewCollaborator returns the webhook client when a URL is configured, and
// the no-op sink otherwise.
func NewCollaborator(cfg *config.Config) Collaborator {
	if cfg.BillingWebhookURL == "" {
		return Noop{}
	}
	return NewWebhookClient(cfg)
}

// Rates converts usage accumulators into dollar costs.
type Rates struct {
	PerSTTSecond  float64
	PerLLMToken   float64
	PerTTSChar    float64
	PerCallMinute float64
}

// RatesFromConfig loads the configured cost rates.
func RatesFromConfig(cfg *config.Config) Rates {
	return Rates{
		PerSTTSecond:  cfg.CostPerSTTSecond,
		PerLLMToken:   cfg.CostPerLLMToken,
		PerTTSChar:    cfg.CostPerTTSChar,
		PerCallMinute: cfg.CostPerCallMinute,
	}
}

// Total computes the dollar cost of a breakdown under these rates.
func (r Rates) Total(b CostBreakdown) float64 {
	return b.TranscriptionSeconds*r.PerSTTSecond +
		float64(b.GenerationTokens)*r.PerLLMToken +
		float64(b.SynthesisCharacters)*r.PerTTSChar +
		b.TelephonyMinutes*r.PerCallMinute
}
