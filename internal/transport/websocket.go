package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/callwise-ai/voice-pipeline/internal/observability"
	"github.com/callwise-ai/voice-pipeline/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The telephony gateway connects from its own infrastructure, not a
		// browser. Origin checks do not apply to this endpoint.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// StreamMessage is one inbound event on the media stream.
type StreamMessage struct {
	Event    string      `json:"event"`
	StreamID string      `json:"streamId,omitempty"`
	Start    *StartEvent `json:"start,omitempty"`
	Media    *MediaEvent `json:"media,omitempty"`
	Stop     *StopEvent  `json:"stop,omitempty"`
}

// StartEvent announces a new call on the stream.
type StartEvent struct {
	CallID           string            `json:"callId"`
	StreamID         string            `json:"streamId"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaEvent carries one chunk of base64-encoded wire audio.
type MediaEvent struct {
	Payload string `json:"payload"`
}

// StopEvent ends a call. Either identifier may be present.
type StopEvent struct {
	CallID   string `json:"callId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

type outboundMedia struct {
	Event    string       `json:"event"`
	StreamID string       `json:"streamId"`
	Media    mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event    string      `json:"event"`
	StreamID string      `json:"streamId"`
	Mark     markPayload `json:"mark"`
}

type markPayload struct {
	Name string `json:"name"`
}

// streamConn serializes outbound writes on one WebSocket connection. The
// session's playback goroutine and the read loop may both write.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamConn) SendMedia(streamID string, wire []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(outboundMedia{
		Event:    "media",
		StreamID: streamID,
		Media:    mediaPayload{Payload: base64.StdEncoding.EncodeToString(wire)},
	})
}

func (c *streamConn) SendMark(streamID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(outboundMark{
		Event:    "mark",
		StreamID: streamID,
		Mark:     markPayload{Name: name},
	})
}

type streamHandler struct {
	registry *session.Registry
	logger   zerolog.Logger
}

// HandleMediaStream returns the WebSocket handler for the telephony media
// stream endpoint. Each connection carries one call.
func HandleMediaStream(registry *session.Registry) http.HandlerFunc {
	h := &streamHandler{
		registry: registry,
		logger:   observability.GetLogger().With().Str("component", "transport").Logger(),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		h.serve(conn)
	}
}

// serve runs the read loop for one connection. Frames reach the session in
// arrival order because this is the only reader.
func (h *streamHandler) serve(conn *websocket.Conn) {
	defer conn.Close()

	// One correlation ID per connection ties its log lines together before
	// the start event names the call.
	logger := observability.WithCorrelationID(observability.NewCorrelationID()).
		With().Str("component", "transport").Logger()

	sender := &streamConn{conn: conn}
	var callID string

	// Socket loss without a stop event still ends the call. Remove is
	// idempotent, so this is safe after an explicit stop too.
	defer func() {
		if callID != "" {
			h.registry.Remove(callID, "disconnect")
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("Media stream read error")
			}
			return
		}

		var msg StreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Error().Err(err).Msg("Failed to parse stream message")
			continue
		}

		switch msg.Event {
		case "connected":
			logger.Debug().Msg("Media stream connected")

		case "start":
			if msg.Start == nil {
				logger.Error().Msg("Start event missing payload")
				continue
			}
			sess, err := h.registry.Create(msg.Start.CallID, msg.Start.StreamID, msg.Start.CustomParameters, sender)
			if err != nil {
				if errors.Is(err, session.ErrCapacity) {
					logger.Warn().Str("call_id", msg.Start.CallID).Msg("At capacity, rejecting call")
				} else {
					logger.Error().Err(err).Str("call_id", msg.Start.CallID).Msg("Failed to create session")
				}
				// A live call cannot wait for capacity; close the stream.
				return
			}
			callID = msg.Start.CallID
			logger = logger.With().
				Str("call_id", callID).
				Str("stream_id", msg.Start.StreamID).
				Logger()
			logger.Info().Msg("Call started")
			sess.Greet()

		case "media":
			sess, ok := h.registry.GetByStream(msg.StreamID)
			if !ok {
				// Media racing ahead of its start event is expected during
				// call setup.
				logger.Debug().Str("stream_id", msg.StreamID).Msg("Media for unknown stream, ignoring")
				continue
			}
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			wire, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to decode media payload")
				continue
			}
			sess.HandleMedia(wire)

		case "stop":
			id := stopCallID(msg, callID, h.registry)
			if id != "" {
				h.registry.Remove(id, "stop")
			}
			return

		default:
			logger.Debug().Str("event", msg.Event).Msg("Ignoring unknown stream event")
		}
	}
}

// stopCallID resolves which call a stop event names, falling back to the
// call started on this connection.
func stopCallID(msg StreamMessage, connCallID string, registry *session.Registry) string {
	if msg.Stop != nil {
		if msg.Stop.CallID != "" {
			return msg.Stop.CallID
		}
		if msg.Stop.StreamID != "" {
			if sess, ok := registry.GetByStream(msg.Stop.StreamID); ok {
				return sess.CallID()
			}
		}
	}
	return connCallID
}
