package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/callwise-ai/voice-pipeline/internal/audio"
	"github.com/callwise-ai/voice-pipeline/internal/billing"
	"github.com/callwise-ai/voice-pipeline/internal/config"
	"github.com/callwise-ai/voice-pipeline/internal/llm"
	"github.com/callwise-ai/voice-pipeline/internal/observability"
	"github.com/callwise-ai/voice-pipeline/internal/stt"
	"github.com/callwise-ai/voice-pipeline/internal/tts"
)

// Mode is the lifecycle state of a call session.
type Mode int

const (
	// ModeListening accepts inbound frames and feeds them to the endpointer.
	ModeListening Mode = iota
	// ModeProcessing runs the provider round-trip for a finalized segment.
	// Inbound frames are dropped.
	ModeProcessing
	// ModeSpeaking streams synthesized audio to the caller. Inbound frames
	// are checked for barge-in only.
	ModeSpeaking
	// ModeEnded is terminal. No event may mutate the session past it.
	ModeEnded
)

func (m Mode) String() string {
	switch m {
	case ModeListening:
		return "listening"
	case ModeProcessing:
		return "processing"
	case ModeSpeaking:
		return "speaking"
	case ModeEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Sender delivers outbound events on the media stream. Implementations must
// be safe for concurrent use; the transport adapter serializes writes.
type Sender interface {
	// SendMedia transmits one chunk of wire-format audio.
	SendMedia(streamID string, wire []byte) error

	// SendMark transmits a named playback marker after an utterance.
	SendMark(streamID, name string) error
}

// Providers bundles the per-turn provider clients a session depends on.
type Providers struct {
	STT stt.Client
	LLM llm.Client
	TTS tts.Client
}

// Session holds the state of one live call. All state transitions happen
// under the session mutex; provider round-trips run in a turn goroutine so
// the inbound frame path never blocks on the network.
type Session struct {
	callID   string
	streamID string

	cfg       *config.Config
	providers Providers
	sender    Sender

	logger  zerolog.Logger
	metrics *observability.Metrics

	// ctx is cancelled on Stop and bounds every provider call.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	mode         Mode
	turn         int // increments per turn; guards against stale writes
	startedAt    time.Time
	endedAt      time.Time
	lastActivity time.Time
	history      []llm.Message // history[0] is the system prompt
	endpointer   *audio.Endpointer
	fallback     *time.Timer // finalizes a pending endpoint if media stalls
	speakCancel  context.CancelFunc
	spokenOnce   bool

	firstUtterance string
	voice          tts.VoiceProfile

	sttSeconds float64
	llmTokens  int
	ttsChars   int
}

// NewSession creates a session for a newly started call. The system prompt
// and first utterance come from the stream's custom parameters, with
// {placeholder} variables substituted from the same parameter set.
func NewSession(cfg *config.Config, callID, streamID string, params map[string]string, sender Sender, providers Providers) *Session {
	systemPrompt := params["system_prompt"]
	if systemPrompt == "" {
		systemPrompt = cfg.DefaultSystemPrompt
	}
	systemPrompt = resolveTemplate(systemPrompt, params)

	voice := tts.VoiceProfile{
		VoiceID: params["voice_id"],
		ModelID: params["voice_model"],
	}
	if speed, err := strconv.ParseFloat(params["voice_speed"], 64); err == nil && speed > 0 {
		voice.Speed = speed
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	metrics := observability.NewCallMetrics(callID)
	metrics.RecordCallStart()

	return &Session{
		callID:         callID,
		streamID:       streamID,
		cfg:            cfg,
		providers:      providers,
		sender:         sender,
		logger:         observability.WithCall(callID, streamID),
		metrics:        metrics,
		ctx:            ctx,
		cancel:         cancel,
		mode:           ModeListening,
		startedAt:      now,
		lastActivity:   now,
		history:        []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}},
		endpointer:     audio.NewEndpointer(endpointerConfig(cfg)),
		firstUtterance: resolveTemplate(params["first_utterance"], params),
		voice:          voice,
	}
}

// endpointerConfig maps the service configuration onto the detector tuning.
func endpointerConfig(cfg *config.Config) audio.EndpointerConfig {
	return audio.EndpointerConfig{
		WindowFrames:       cfg.VADWindowFrames,
		MinWindowFrames:    cfg.VADMinWindowFrames,
		BaselinePercentile: cfg.VADBaselinePercentile,
		ThresholdMargin:    cfg.VADThresholdMargin,
		Smoothing:          cfg.VADSmoothing,
		VarianceFloor:      cfg.VADVarianceFloor,
		SilenceFloor:       int16(cfg.VADSilenceFloor),
		InitialThreshold:   cfg.VADInitialThreshold,
		StartFrames:        cfg.VADStartFrames,
		HangoverFrames:     cfg.VADHangoverFrames,
		Debounce:           time.Duration(cfg.VADDebounce) * time.Millisecond,
		BargeInMargin:      cfg.VADBargeInMargin,
		BargeInVariance:    cfg.VADBargeInVariance,
	}
}

// resolveTemplate substitutes {key} placeholders from the stream's custom
// parameters.
func resolveTemplate(template string, params map[string]string) string {
	for key, value := range params {
		template = strings.ReplaceAll(template, "{"+key+"}", value)
	}
	return template
}

// CallID returns the call identifier.
func (s *Session) CallID() string {
	return s.callID
}

// StreamID returns the media stream identifier.
func (s *Session) StreamID() string {
	return s.streamID
}

// Mode returns the current lifecycle state.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// LastActivity returns when the session last saw an inbound frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// HandleMedia processes one inbound wire frame. Frames must arrive in call
// order; the transport's single read loop guarantees this. The method never
// blocks on provider I/O.
func (s *Session) HandleMedia(wire []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeEnded {
		return
	}
	s.lastActivity = time.Now()
	s.metrics.RecordAudioBytes("in", int64(len(wire)))

	switch s.mode {
	case ModeSpeaking:
		if s.endpointer.DetectBargeIn(wire) {
			s.metrics.RecordBargeIn()
			s.logger.Info().Msg("Caller interrupted playback")
			s.interruptPlaybackLocked()
			s.mode = ModeListening
		}
		return
	case ModeProcessing:
		// The caller's next utterance starts cleanly once listening resumes.
		return
	}

	obs := s.endpointer.Observe(wire)
	switch obs.Event {
	case audio.EventSpeechStarted:
		s.logger.Debug().Float64("threshold", s.endpointer.Threshold()).Msg("Speech started")
	case audio.EventSpeechEnded:
		s.finalizeSegmentLocked(obs.Segment)
		return
	}
	s.syncFallbackLocked()
}

// syncFallbackLocked keeps a wall-clock timer armed while an endpoint is
// pending, so a stalled inbound stream still finalizes the segment. Frame
// time normally wins; the timer only fires when media stops arriving.
func (s *Session) syncFallbackLocked() {
	if s.endpointer.EndpointPending() {
		if s.fallback == nil {
			turn := s.turn
			s.fallback = time.AfterFunc(time.Duration(s.cfg.VADDebounce)*time.Millisecond, func() {
				s.endpointFallback(turn)
			})
		}
		return
	}
	s.stopFallbackLocked()
}

func (s *Session) stopFallbackLocked() {
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}
}

func (s *Session) endpointFallback(turn int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeListening || s.turn != turn {
		return
	}
	segment := s.endpointer.Finalize()
	if segment == nil {
		return
	}
	s.logger.Debug().Msg("Inbound media stalled, finalizing segment on timer")
	s.finalizeSegmentLocked(segment)
}

// finalizeSegmentLocked dispatches a finalized speech segment into a turn.
// Segments too short to hold speech are dropped before any provider call.
func (s *Session) finalizeSegmentLocked(segment []byte) {
	s.stopFallbackLocked()

	duration := time.Duration(len(segment)) * time.Second / audio.WireSampleRate
	if duration < time.Duration(s.cfg.MinSegmentDuration)*time.Millisecond {
		s.metrics.RecordSegment("too_short")
		s.logger.Debug().Dur("duration", duration).Msg("Discarding short segment")
		return
	}

	s.mode = ModeProcessing
	s.turn++
	go s.runTurn(s.turn, segment, duration)
}

// runTurn executes one conversational turn. Any provider failure skips the
// turn and returns the session to listening; a failed turn never drops the
// call.
func (s *Session) runTurn(turn int, segment []byte, segmentDuration time.Duration) {
	text, ok := s.transcribe(segment, segmentDuration)
	if !ok {
		s.returnToListening(turn)
		return
	}

	reply, ok := s.generate(text)
	if !ok {
		s.returnToListening(turn)
		return
	}

	wire, ok := s.synthesize(reply)
	if !ok {
		s.returnToListening(turn)
		return
	}

	s.speak(turn, wire)
}

func (s *Session) transcribe(segment []byte, segmentDuration time.Duration) (string, bool) {
	s.metrics.RecordSTTStart()
	result, err := s.providers.STT.Transcribe(s.ctx, stt.Segment{
		Audio:      segment,
		Encoding:   "mulaw",
		SampleRate: audio.WireSampleRate,
		Language:   s.cfg.DeepgramLanguage,
	})
	s.metrics.RecordSTTEnd(err == nil)

	if err != nil {
		s.metrics.RecordError("transcribe_failed", "stt")
		s.logger.Warn().Err(err).Msg("Transcription failed, skipping turn")
		return "", false
	}
	if result.Status != stt.StatusSuccess || result.Text == "" {
		s.metrics.RecordSegment("no_match")
		s.logger.Debug().Msg("No speech recognized in segment")
		return "", false
	}

	// Only recognized audio accrues billable transcription time.
	s.mu.Lock()
	s.sttSeconds += segmentDuration.Seconds()
	s.mu.Unlock()

	s.metrics.RecordSegment("transcribed")
	s.logger.Info().Str("text", result.Text).Float64("confidence", result.Confidence).Msg("Segment transcribed")
	return result.Text, true
}

func (s *Session) generate(text string) (string, bool) {
	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: llm.RoleUser, Content: text})
	request := s.requestHistoryLocked()
	s.mu.Unlock()

	s.metrics.RecordGenerationStart()
	reply, err := s.providers.LLM.Generate(s.ctx, request)
	s.metrics.RecordGenerationEnd(err == nil)

	if err != nil {
		s.metrics.RecordError("generation_failed", "llm")
		s.logger.Warn().Err(err).Msg("Generation failed, skipping turn")
		return "", false
	}

	s.mu.Lock()
	s.llmTokens += reply.TotalTokens()
	s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: reply.Text})
	s.mu.Unlock()

	return reply.Text, true
}

// requestHistoryLocked returns the system prompt plus the most recent turns,
// capped for request latency. The stored transcript is never truncated.
func (s *Session) requestHistoryLocked() []llm.Message {
	max := s.cfg.MaxHistoryMessages
	if max <= 0 || len(s.history) <= max {
		return append([]llm.Message(nil), s.history...)
	}

	request := make([]llm.Message, 0, max)
	request = append(request, s.history[0])
	request = append(request, s.history[len(s.history)-(max-1):]...)
	return request
}

func (s *Session) synthesize(text string) ([]byte, bool) {
	s.metrics.RecordTTSStart()
	speech, err := s.providers.TTS.Synthesize(s.ctx, text, s.voice)
	s.metrics.RecordTTSEnd(err == nil)

	if err != nil {
		s.metrics.RecordError("synthesis_failed", "tts")
		s.logger.Warn().Err(err).Msg("Synthesis failed, skipping turn")
		return nil, false
	}

	s.mu.Lock()
	s.ttsChars += len(text)
	s.mu.Unlock()

	wire, err := audio.ConvertPCMToWire(speech.PCM, speech.SampleRate)
	if err != nil {
		s.metrics.RecordError("convert_failed", "audio")
		s.logger.Warn().Err(err).Msg("Failed to convert synthesized audio")
		return nil, false
	}
	return wire, true
}

// speak streams wire audio to the caller paced at real time, one frame per
// frame interval, then sends an end-of-utterance mark. Barge-in or Stop
// cancels the playback context and halts mid-utterance.
func (s *Session) speak(turn int, wire []byte) {
	s.mu.Lock()
	if s.turn != turn || s.mode == ModeEnded {
		s.mu.Unlock()
		return
	}
	s.mode = ModeSpeaking
	playCtx, cancel := context.WithCancel(s.ctx)
	s.speakCancel = cancel
	first := !s.spokenOnce
	s.spokenOnce = true
	s.mu.Unlock()
	defer cancel()

	ticker := time.NewTicker(audio.FrameDuration * time.Millisecond)
	defer ticker.Stop()

	sent := 0
	for offset := 0; offset < len(wire); offset += audio.FrameSamples {
		end := offset + audio.FrameSamples
		if end > len(wire) {
			end = len(wire)
		}
		if err := s.sender.SendMedia(s.streamID, wire[offset:end]); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send media frame")
			break
		}
		sent += end - offset

		select {
		case <-playCtx.Done():
			s.metrics.RecordAudioBytes("out", int64(sent))
			return
		case <-ticker.C:
		}
	}
	s.metrics.RecordAudioBytes("out", int64(sent))

	if err := s.sender.SendMark(s.streamID, fmt.Sprintf("utterance-%d", turn)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send utterance mark")
	}

	// Trailing echo of the AI's own voice must not open a segment, so
	// listening resumes after a short settle window. The first utterance
	// skips it; there is no echo before the caller has heard anything.
	if !first {
		select {
		case <-playCtx.Done():
			return
		case <-time.After(time.Duration(s.cfg.SettleDelay) * time.Millisecond):
		}
	}

	s.returnToListening(turn)
}

// returnToListening re-arms the session for the next utterance. The turn
// guard keeps a superseded goroutine from flipping state it no longer owns.
func (s *Session) returnToListening(turn int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeEnded || s.turn != turn {
		return
	}
	s.mode = ModeListening
	s.speakCancel = nil
}

func (s *Session) interruptPlaybackLocked() {
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
}

// Greet speaks the configured first utterance, when one was provided with
// the stream. It runs before any caller speech and skips the settle delay.
func (s *Session) Greet() {
	s.mu.Lock()
	if s.mode != ModeListening || s.spokenOnce || s.firstUtterance == "" {
		s.mu.Unlock()
		return
	}
	s.mode = ModeProcessing
	s.turn++
	turn := s.turn
	text := s.firstUtterance
	s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: text})
	s.mu.Unlock()

	go func() {
		wire, ok := s.synthesize(text)
		if !ok {
			s.returnToListening(turn)
			return
		}
		s.speak(turn, wire)
	}()
}

// Stop ends the session. Safe to call more than once; only the first call
// transitions state. In-flight provider responses observe the cancelled
// context or the turn guard and never mutate the session afterwards.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	if s.mode == ModeEnded {
		s.mu.Unlock()
		return
	}
	s.mode = ModeEnded
	s.turn++
	s.endedAt = time.Now()
	s.stopFallbackLocked()
	s.interruptPlaybackLocked()
	duration := s.endedAt.Sub(s.startedAt)
	s.mu.Unlock()

	s.cancel()
	s.metrics.RecordCallEnd()
	s.logger.Info().Str("reason", reason).Dur("duration", duration).Msg("Call ended")
}

// Snapshot produces the settlement record for the call under the given cost
// rates. Intended to be taken once, after Stop.
func (s *Session) Snapshot(rates billing.Rates) billing.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	endedAt := s.endedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	duration := endedAt.Sub(s.startedAt)

	transcript := make([]billing.TranscriptEntry, 0, len(s.history))
	for _, msg := range s.history {
		if msg.Role == llm.RoleSystem {
			continue
		}
		transcript = append(transcript, billing.TranscriptEntry{Role: msg.Role, Text: msg.Content})
	}

	costs := billing.CostBreakdown{
		TranscriptionSeconds: s.sttSeconds,
		GenerationTokens:     s.llmTokens,
		SynthesisCharacters:  s.ttsChars,
		TelephonyMinutes:     duration.Minutes(),
	}
	costs.TotalUSD = rates.Total(costs)

	return billing.CallRecord{
		CallID:          s.callID,
		DurationSeconds: duration.Seconds(),
		Costs:           costs,
		Transcript:      transcript,
		EndedAt:         endedAt,
	}
}
