package audio

import (
	"testing"
	"time"
)

// speechWire builds a 20ms wire frame of alternating +/-amplitude samples.
func speechWire(amplitude int16) []byte {
	samples := make([]int16, FrameSamples)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return EncodeMuLaw(samples)
}

// silenceWire builds a 20ms wire frame of pure silence.
func silenceWire() []byte {
	return EncodeMuLaw(make([]int16, FrameSamples))
}

// partialWire builds a frame where only the first activeSamples carry signal,
// giving an energy ratio of activeSamples/FrameSamples.
func partialWire(amplitude int16, activeSamples int) []byte {
	samples := make([]int16, FrameSamples)
	for i := 0; i < activeSamples; i++ {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return EncodeMuLaw(samples)
}

func TestEndpointer_SpeechStart(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())
	frame := speechWire(4000)

	// Start requires a sustained run; the first two frames are tentative.
	for i := 0; i < 2; i++ {
		obs := ep.Observe(frame)
		if obs.Event != EventNone {
			t.Errorf("Expected no event on tentative frame %d, got %v", i, obs.Event)
		}
	}

	obs := ep.Observe(frame)
	if obs.Event != EventSpeechStarted {
		t.Errorf("Expected speech start on third frame, got %v", obs.Event)
	}
	if !ep.InSpeech() {
		t.Error("Expected detector to be in speech after start")
	}

	obs = ep.Observe(frame)
	if obs.Event != EventSpeechContinuing {
		t.Errorf("Expected speech continuing, got %v", obs.Event)
	}
}

func TestEndpointer_ShortBurstNeverStarts(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())

	// Two speech frames break off before the sustained-start run completes.
	ep.Observe(speechWire(4000))
	ep.Observe(speechWire(4000))
	obs := ep.Observe(silenceWire())

	if obs.Event != EventNone {
		t.Errorf("Expected no event after broken tentative run, got %v", obs.Event)
	}
	if ep.InSpeech() {
		t.Error("Expected detector not in speech")
	}
	if ep.SegmentDuration() != 0 {
		t.Errorf("Expected tentative buffer cleared, got %v", ep.SegmentDuration())
	}
}

func TestEndpointer_EndpointAfterDebounce(t *testing.T) {
	cfg := DefaultEndpointerConfig()
	ep := NewEndpointer(cfg)

	speechFrames := 10
	for i := 0; i < speechFrames; i++ {
		ep.Observe(speechWire(4000))
	}
	if !ep.InSpeech() {
		t.Fatal("Expected detector in speech")
	}

	// Hangover (3 frames) plus 300ms debounce (15 frames) of silence.
	endedAt := -1
	var segment []byte
	for i := 0; i < 30; i++ {
		obs := ep.Observe(silenceWire())
		if obs.Event == EventSpeechEnded {
			endedAt = i
			segment = obs.Segment
			break
		}
	}

	if endedAt != 17 {
		t.Errorf("Expected endpoint on the 18th silence frame, got frame %d", endedAt+1)
	}
	// The trailing silence run is trimmed from the finalized segment.
	wantLen := speechFrames * FrameSamples
	if len(segment) != wantLen {
		t.Errorf("Expected segment of %d bytes, got %d", wantLen, len(segment))
	}
	if ep.InSpeech() {
		t.Error("Expected detector out of speech after endpoint")
	}
}

func TestEndpointer_SpeechResumeCancelsPendingEndpoint(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())

	for i := 0; i < 5; i++ {
		ep.Observe(speechWire(4000))
	}
	for i := 0; i < 5; i++ {
		ep.Observe(silenceWire())
	}
	if !ep.EndpointPending() {
		t.Fatal("Expected pending endpoint after hangover silence")
	}

	// Speech resumes; the pending endpoint is abandoned.
	obs := ep.Observe(speechWire(4000))
	if obs.Event != EventSpeechContinuing {
		t.Errorf("Expected speech continuing on resume, got %v", obs.Event)
	}
	if ep.EndpointPending() {
		t.Error("Expected pending endpoint cancelled by resumed speech")
	}

	// The eventual segment keeps the mid-segment silence but not the
	// trailing run.
	var segment []byte
	for i := 0; i < 30; i++ {
		if obs := ep.Observe(silenceWire()); obs.Event == EventSpeechEnded {
			segment = obs.Segment
			break
		}
	}
	if segment == nil {
		t.Fatal("Expected an endpoint after final silence")
	}
	wantLen := (5 + 5 + 1) * FrameSamples
	if len(segment) != wantLen {
		t.Errorf("Expected segment of %d bytes, got %d", wantLen, len(segment))
	}
}

func TestEndpointer_SingleEndpointPerSegment(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())

	// A clean 2-second utterance followed by sustained silence produces
	// exactly one endpoint.
	for i := 0; i < 100; i++ {
		ep.Observe(speechWire(4000))
	}
	ended := 0
	for i := 0; i < 50; i++ {
		if obs := ep.Observe(silenceWire()); obs.Event == EventSpeechEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Errorf("Expected exactly one endpoint, got %d", ended)
	}
}

func TestEndpointer_ThresholdAdaptsToNoiseFloor(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())

	// A marginal frame passes the initial threshold on a fresh detector.
	probe := partialWire(2000, 48)
	fresh := NewEndpointer(DefaultEndpointerConfig())
	if obs := fresh.Observe(probe); obs.Event == EventSpeechEnded {
		t.Fatal("Unexpected endpoint from a fresh detector")
	}
	if !(fresh.speechRun > 0) {
		t.Error("Expected marginal frame to classify as speech against the initial threshold")
	}

	// Sustained background noise lifts the baseline above the probe.
	noise := partialWire(600, 32)
	for i := 0; i < 60; i++ {
		ep.Observe(noise)
	}
	if ep.Threshold() <= DefaultEndpointerConfig().InitialThreshold {
		t.Errorf("Expected threshold above initial %.2f after noise, got %.2f",
			DefaultEndpointerConfig().InitialThreshold, ep.Threshold())
	}

	ep.Observe(probe)
	if ep.speechRun > 0 {
		t.Error("Expected marginal frame to classify as silence against the adapted threshold")
	}
}

func TestEndpointer_VarianceFloorFiltersFlatNoise(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())

	// Every sample sits just above the silence floor with near-zero
	// deviation: loud enough for a high energy ratio, but structureless.
	samples := make([]int16, FrameSamples)
	for i := range samples {
		samples[i] = 230
	}
	frame := EncodeMuLaw(samples)

	for i := 0; i < 5; i++ {
		if obs := ep.Observe(frame); obs.Event != EventNone {
			t.Errorf("Expected flat noise to stay silent, got %v", obs.Event)
		}
	}
}

func TestEndpointer_DetectBargeIn(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())

	if !ep.DetectBargeIn(speechWire(8000)) {
		t.Error("Expected loud high-variance frame to register as barge-in")
	}
	if ep.DetectBargeIn(speechWire(600)) {
		t.Error("Expected quiet speech-level frame not to register as barge-in")
	}
	if ep.DetectBargeIn(silenceWire()) {
		t.Error("Expected silence not to register as barge-in")
	}
}

func TestEndpointer_Finalize(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())

	if seg := ep.Finalize(); seg != nil {
		t.Errorf("Expected nil segment with no speech open, got %d bytes", len(seg))
	}

	for i := 0; i < 5; i++ {
		ep.Observe(speechWire(4000))
	}
	seg := ep.Finalize()
	if len(seg) != 5*FrameSamples {
		t.Errorf("Expected forced segment of %d bytes, got %d", 5*FrameSamples, len(seg))
	}
	if ep.InSpeech() {
		t.Error("Expected detector out of speech after finalize")
	}
}

func TestEndpointer_Reset(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())

	for i := 0; i < 5; i++ {
		ep.Observe(speechWire(4000))
	}
	ep.Reset()

	if ep.InSpeech() {
		t.Error("Expected detector not in speech after reset")
	}
	if ep.SegmentDuration() != 0 {
		t.Errorf("Expected empty segment after reset, got %v", ep.SegmentDuration())
	}
	if ep.Threshold() != DefaultEndpointerConfig().InitialThreshold {
		t.Errorf("Expected threshold back at initial, got %.2f", ep.Threshold())
	}
}

func TestEndpointer_SegmentDuration(t *testing.T) {
	ep := NewEndpointer(DefaultEndpointerConfig())

	for i := 0; i < 10; i++ {
		ep.Observe(speechWire(4000))
	}
	want := 200 * time.Millisecond
	if d := ep.SegmentDuration(); d != want {
		t.Errorf("Expected segment duration %v, got %v", want, d)
	}
}

func TestDefaultEndpointerConfig(t *testing.T) {
	cfg := DefaultEndpointerConfig()
	if cfg.WindowFrames != 50 {
		t.Errorf("Expected WindowFrames 50, got %d", cfg.WindowFrames)
	}
	if cfg.BaselinePercentile != 0.30 {
		t.Errorf("Expected BaselinePercentile 0.30, got %f", cfg.BaselinePercentile)
	}
	if cfg.ThresholdMargin != 0.15 {
		t.Errorf("Expected ThresholdMargin 0.15, got %f", cfg.ThresholdMargin)
	}
	if cfg.Debounce != 300*time.Millisecond {
		t.Errorf("Expected Debounce 300ms, got %v", cfg.Debounce)
	}
}
