package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/callwise-ai/voice-pipeline/internal/config"
)

func testClient(baseURL string) *CartesiaClient {
	return NewCartesiaClient(&config.Config{
		CartesiaAPIKey:             "test-key",
		CartesiaBaseURL:            baseURL,
		CartesiaVoiceID:            "sonic-english",
		CartesiaModelID:            "sonic",
		CartesiaSpeed:              1.0,
		CartesiaSampleRate:         24000,
		CartesiaTimeout:            5,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        1,
	})
}

func TestCartesiaClient_Synthesize(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tts" {
			t.Errorf("Expected path /v1/tts, got %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("Expected x-api-key 'test-key', got '%s'", got)
		}

		var req cartesiaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if req.Text != "Hello caller" {
			t.Errorf("Expected text 'Hello caller', got '%s'", req.Text)
		}
		if req.VoiceID != "warm-voice" {
			t.Errorf("Expected voice 'warm-voice', got '%s'", req.VoiceID)
		}
		if req.SampleRate != 24000 {
			t.Errorf("Expected sample rate 24000, got %d", req.SampleRate)
		}

		w.Write(pcm)
	}))
	defer server.Close()

	client := testClient(server.URL)
	audio, err := client.Synthesize(context.Background(), "Hello caller", VoiceProfile{VoiceID: "warm-voice", Speed: 1.0})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if len(audio.PCM) != len(pcm) {
		t.Errorf("Expected %d PCM bytes, got %d", len(pcm), len(audio.PCM))
	}
	if audio.SampleRate != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", audio.SampleRate)
	}
}

func TestCartesiaClient_Synthesize_DefaultsFromConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cartesiaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if req.VoiceID != "sonic-english" {
			t.Errorf("Expected default voice 'sonic-english', got '%s'", req.VoiceID)
		}
		if req.ModelID != "sonic" {
			t.Errorf("Expected default model 'sonic', got '%s'", req.ModelID)
		}
		w.Write([]byte{0x01, 0x02})
	}))
	defer server.Close()

	client := testClient(server.URL)
	if _, err := client.Synthesize(context.Background(), "Hi", VoiceProfile{}); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
}

func TestCartesiaClient_Synthesize_EmptyAfterSanitize(t *testing.T) {
	client := testClient("http://localhost:0")
	if _, err := client.Synthesize(context.Background(), "***", VoiceProfile{}); err == nil {
		t.Error("Expected error when no speakable text remains")
	}
}

func TestCartesiaClient_Synthesize_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client := testClient(server.URL)
	if _, err := client.Synthesize(context.Background(), "Hello", VoiceProfile{}); err == nil {
		t.Error("Expected error on server failure")
	}
}

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain text", "Hello there", "Hello there"},
		{"markdown stripped", "**Hello** _there_", "Hello there"},
		{"punctuation kept", "Wait, really? Yes!", "Wait, really? Yes!"},
		{"emoji stripped", "Great news \U0001F389 for you", "Great news for you"},
		{"whitespace collapsed", "too   many\n\nspaces", "too many spaces"},
		{"symbols stripped", "price is $5 & rising #now", "price is 5 rising now"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeText(tt.input); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}
