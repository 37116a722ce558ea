package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/callwise-ai/voice-pipeline/internal/config"
	"github.com/callwise-ai/voice-pipeline/internal/observability"
	"github.com/callwise-ai/voice-pipeline/internal/resilience"
)

const breakerName = "deepgram"

// DeepgramClient transcribes segments through Deepgram's prerecorded API.
// Segments are short (a few seconds of narrow-band audio), so the
// synchronous endpoint is a better fit than the live streaming one.
type DeepgramClient struct {
	config         *config.Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
}

// deepgramResponse mirrors the fields of the prerecorded response we use.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// NewDeepgramClient creates a Deepgram transcription client.
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	return &DeepgramClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.DeepgramTimeout) * time.Second,
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

// Transcribe sends one finalized segment and returns its transcript. An
// empty transcript from the provider is reported as StatusNoMatch, distinct
// from a network failure.
func (c *DeepgramClient) Transcribe(ctx context.Context, seg Segment) (*Result, error) {
	if len(seg.Audio) == 0 {
		return &Result{Status: StatusNoMatch}, nil
	}

	var result *Result
	err := c.circuitBreaker.Call(func() error {
		return resilience.RetryWithContext(ctx, func() error {
			var callErr error
			result, callErr = c.transcribeOnce(ctx, seg)
			return callErr
		}, c.retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState(breakerName, int(c.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(breakerName)
		return nil, fmt.Errorf("deepgram transcription failed: %w", err)
	}

	return result, nil
}

func (c *DeepgramClient) transcribeOnce(ctx context.Context, seg Segment) (*Result, error) {
	endpoint, err := c.requestURL(seg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(seg.Audio))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.config.DeepgramAPIKey)
	req.Header.Set("Content-Type", "audio/"+seg.Encoding)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram API returned status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed deepgramResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return &Result{Status: StatusNoMatch}, nil
	}

	alt := parsed.Results.Channels[0].Alternatives[0]
	if alt.Transcript == "" {
		return &Result{Status: StatusNoMatch, Confidence: alt.Confidence}, nil
	}

	return &Result{
		Status:     StatusSuccess,
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
	}, nil
}

func (c *DeepgramClient) requestURL(seg Segment) (string, error) {
	base, err := url.Parse(c.config.DeepgramBaseURL + "/v1/listen")
	if err != nil {
		return "", fmt.Errorf("invalid deepgram base URL: %w", err)
	}

	q := base.Query()
	q.Set("model", c.config.DeepgramModel)
	q.Set("language", seg.Language)
	q.Set("encoding", seg.Encoding)
	q.Set("sample_rate", strconv.Itoa(seg.SampleRate))
	q.Set("punctuate", "true")
	base.RawQuery = q.Encode()

	return base.String(), nil
}

// HealthCheck validates the client configuration. No API call is made to
// avoid per-request provider costs.
func (c *DeepgramClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.config.DeepgramAPIKey == "" {
		return false, fmt.Errorf("deepgram API key not configured")
	}
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, fmt.Errorf("deepgram circuit breaker is open")
	}
	return true, nil
}

// Close releases client resources.
func (c *DeepgramClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
