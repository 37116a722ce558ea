package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callwise-ai/voice-pipeline/internal/audio"
	"github.com/callwise-ai/voice-pipeline/internal/billing"
	"github.com/callwise-ai/voice-pipeline/internal/config"
	"github.com/callwise-ai/voice-pipeline/internal/llm"
	"github.com/callwise-ai/voice-pipeline/internal/session"
	"github.com/callwise-ai/voice-pipeline/internal/stt"
	"github.com/callwise-ai/voice-pipeline/internal/tts"
)

type stubSTT struct{}

func (stubSTT) Transcribe(ctx context.Context, segment stt.Segment) (*stt.Result, error) {
	return &stt.Result{Status: stt.StatusSuccess, Text: "hello", Confidence: 0.9}, nil
}
func (stubSTT) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (stubSTT) Close() error                                  { return nil }

type stubLLM struct{}

func (stubLLM) Generate(ctx context.Context, history []llm.Message) (*llm.Reply, error) {
	return &llm.Reply{Text: "hi there", PromptTokens: 5, CompletionTokens: 3}, nil
}
func (stubLLM) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (stubLLM) Close() error                                  { return nil }

type stubTTS struct{}

func (stubTTS) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Audio, error) {
	// 320 samples at the wire rate, two outbound frames.
	pcm := make([]byte, 640)
	for i := 0; i < 320; i++ {
		pcm[2*i] = 0xD0
		pcm[2*i+1] = 0x07
	}
	return &tts.Audio{PCM: pcm, SampleRate: audio.WireSampleRate}, nil
}
func (stubTTS) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (stubTTS) Close() error                                  { return nil }

func transportConfig() *config.Config {
	return &config.Config{
		DeepgramLanguage:   "en",
		MaxHistoryMessages: 40,
		MaxSessions:        4,
		MinSegmentDuration: 200,
		SettleDelay:        20,
		VADDebounce:        300,
		BillingTimeout:     1,
	}
}

func newTestRegistry(cfg *config.Config) *session.Registry {
	return session.NewRegistry(cfg, session.Providers{
		STT: stubSTT{},
		LLM: stubLLM{},
		TTS: stubTTS{},
	}, billing.Noop{})
}

func dial(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(serverURL, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	return conn
}

func sendStart(t *testing.T, conn *websocket.Conn, callID, streamID string, params map[string]string) {
	t.Helper()
	err := conn.WriteJSON(StreamMessage{
		Event: "start",
		Start: &StartEvent{CallID: callID, StreamID: streamID, CustomParameters: params},
	})
	if err != nil {
		t.Fatalf("Failed to send start: %v", err)
	}
}

func waitForCount(t *testing.T, registry *session.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d sessions, have %d", want, registry.Count())
}

func TestHandleMediaStream_CallLifecycle(t *testing.T) {
	registry := newTestRegistry(transportConfig())
	defer registry.Close()

	server := httptest.NewServer(HandleMediaStream(registry))
	defer server.Close()

	conn := dial(t, server.URL)
	defer conn.Close()

	sendStart(t, conn, "call-1", "stream-1", map[string]string{"first_utterance": "Hello"})
	waitForCount(t, registry, 1)

	// The greeting streams back as media frames followed by a mark.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mediaFrames := 0
	sawMark := false
	for !sawMark {
		var msg map[string]json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed to read outbound event: %v", err)
		}
		var event string
		json.Unmarshal(msg["event"], &event)
		switch event {
		case "media":
			mediaFrames++
		case "mark":
			sawMark = true
		default:
			t.Fatalf("Unexpected outbound event %q", event)
		}
	}
	if mediaFrames != 2 {
		t.Errorf("Expected 2 greeting media frames, got %d", mediaFrames)
	}

	if err := conn.WriteJSON(StreamMessage{Event: "stop", Stop: &StopEvent{CallID: "call-1"}}); err != nil {
		t.Fatalf("Failed to send stop: %v", err)
	}
	waitForCount(t, registry, 0)
}

func TestHandleMediaStream_MediaBeforeStart(t *testing.T) {
	registry := newTestRegistry(transportConfig())
	defer registry.Close()

	server := httptest.NewServer(HandleMediaStream(registry))
	defer server.Close()

	conn := dial(t, server.URL)
	defer conn.Close()

	// Media racing ahead of start must be dropped, not kill the stream.
	payload := base64.StdEncoding.EncodeToString(make([]byte, audio.FrameSamples))
	err := conn.WriteJSON(StreamMessage{
		Event:    "media",
		StreamID: "stream-1",
		Media:    &MediaEvent{Payload: payload},
	})
	if err != nil {
		t.Fatalf("Failed to send media: %v", err)
	}

	sendStart(t, conn, "call-1", "stream-1", nil)
	waitForCount(t, registry, 1)
}

func TestHandleMediaStream_CapacityClosesStream(t *testing.T) {
	cfg := transportConfig()
	cfg.MaxSessions = 1

	registry := newTestRegistry(cfg)
	defer registry.Close()

	server := httptest.NewServer(HandleMediaStream(registry))
	defer server.Close()

	first := dial(t, server.URL)
	defer first.Close()
	sendStart(t, first, "call-1", "stream-1", nil)
	waitForCount(t, registry, 1)

	second := dial(t, server.URL)
	defer second.Close()
	sendStart(t, second, "call-2", "stream-2", nil)

	// The rejected stream closes; reads on it fail.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("Expected rejected stream to be closed")
	}
	if registry.Count() != 1 {
		t.Errorf("Expected 1 session after rejection, got %d", registry.Count())
	}
}

func TestHandleMediaStream_DisconnectEndsCall(t *testing.T) {
	registry := newTestRegistry(transportConfig())
	defer registry.Close()

	server := httptest.NewServer(HandleMediaStream(registry))
	defer server.Close()

	conn := dial(t, server.URL)
	sendStart(t, conn, "call-1", "stream-1", nil)
	waitForCount(t, registry, 1)

	// Socket loss without a stop event still ends the call.
	conn.Close()
	waitForCount(t, registry, 0)
}

func TestStreamMessage_Parse(t *testing.T) {
	raw := `{
		"event": "start",
		"start": {
			"callId": "call-1",
			"streamId": "stream-1",
			"customParameters": {"system_prompt": "Be brief."}
		}
	}`

	var msg StreamMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if msg.Event != "start" || msg.Start == nil {
		t.Fatal("Expected populated start event")
	}
	if msg.Start.CallID != "call-1" || msg.Start.StreamID != "stream-1" {
		t.Errorf("Unexpected identifiers: %+v", msg.Start)
	}
	if msg.Start.CustomParameters["system_prompt"] != "Be brief." {
		t.Errorf("Unexpected parameters: %v", msg.Start.CustomParameters)
	}

	raw = `{"event": "media", "streamId": "stream-1", "media": {"payload": "AAAA"}}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if msg.Event != "media" || msg.StreamID != "stream-1" || msg.Media == nil || msg.Media.Payload != "AAAA" {
		t.Errorf("Unexpected media message: %+v", msg)
	}
}
