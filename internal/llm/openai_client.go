package llm

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

const breakerName = "openai"

// OpenAIClient generates responses through the chat-completions API.
type OpenAIClient struct {
	config         *config.Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient creates a chat-completions generation client.
func NewOpenAIClient(cfg *config.Config) *OpenAIClient {
	return &OpenAIClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.OpenAITimeout) * time.Second,
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

// Generate returns the next assistant utterance for the given history.
// Output length is capped by OPENAI_MAX_TOKENS to keep voice latency down.
func (c *OpenAIClient) Generate(ctx context.Context, history []Message) (*Reply, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("empty conversation history")
	}

	var reply *Reply
	err := c.circuitBreaker.Call(func() error {
		return resilience.RetryWithContext(ctx, func() error {
			var callErr error
			reply, callErr = c.generateOnce(ctx, history)
			return callErr
		}, c.retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState(breakerName, int(c.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(breakerName)
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	return reply, nil
}

func (c *OpenAIClient) generateOnce(ctx context.Context, history []Message) (*Reply, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.config.OpenAIModel,
		Messages:    history,
		MaxTokens:   c.config.OpenAIMaxTokens,
		Temperature: c.config.OpenAITemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.OpenAIBaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.OpenAIAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai API returned status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai API returned no choices")
	}

	return &Reply{
		Text:             parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// HealthCheck validates the client configuration without spending tokens.
func (c *OpenAIClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.config.OpenAIAPIKey == "" {
		return false, fmt.Errorf("openai API key not configured")
	}
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, fmt.Errorf("openai circuit breaker is open")
	}
	return true, nil
}

// Close releases client resources.
func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
