package audio

import (
	"sort"
	"time"
)

// SpeechEvent is the per-frame verdict of the endpointer.
type SpeechEvent int

const (
	EventNone SpeechEvent = iota
	EventSpeechStarted
	EventSpeechContinuing
	EventSpeechEnded
)

func (e SpeechEvent) String() string {
	switch e {
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechContinuing:
		return "speech_continuing"
	case EventSpeechEnded:
		return "speech_ended"
	default:
		return "none"
	}
}

// Observation is the result of feeding one frame to the endpointer. Segment
// is populated only on EventSpeechEnded and holds the wire bytes of the
// finalized speech segment, with the trailing silence run trimmed off so the
// segment duration reflects actual speech.
type Observation struct {
	Event   SpeechEvent
	Segment []byte
}

// EndpointerConfig tunes the adaptive detector. Zero values are replaced by
// the defaults below.
type EndpointerConfig struct {
	// WindowFrames is the size of the rolling energy-ratio window the noise
	// baseline is derived from.
	WindowFrames int
	// MinWindowFrames is how many observations must accumulate before the
	// adaptive baseline is trusted over the initial threshold.
	MinWindowFrames int
	// BaselinePercentile selects the low percentile of the window used as
	// the noise baseline.
	BaselinePercentile float64
	// ThresholdMargin is added to the baseline to form the speech threshold.
	ThresholdMargin float64
	// Smoothing is the EWMA factor applied to threshold updates. Raw
	// per-frame percentile recalculation chatters near the boundary.
	Smoothing float64
	// VarianceFloor is the minimum amplitude deviation for a frame to count
	// as speech. Filters loud but structureless noise.
	VarianceFloor float64
	// SilenceFloor is the sample magnitude below which a sample counts as
	// silence when computing the energy ratio.
	SilenceFloor int16
	// StartFrames is the sustained speech-frame run required to mark start.
	StartFrames int
	// HangoverFrames is the consecutive silence run that arms the endpoint.
	HangoverFrames int
	// Debounce is how long silence must persist past the hangover before
	// the segment is finalized. Speech resuming cancels it.
	Debounce time.Duration
	// InitialThreshold is used until the window has enough samples.
	InitialThreshold float64
	// BargeInMargin is added on top of the speech threshold for the
	// interruption check while synthesized audio is playing.
	BargeInMargin float64
	// BargeInVariance is the amplitude deviation a barge-in must exceed.
	BargeInVariance float64
}

// DefaultEndpointerConfig returns the tuning used for narrow-band telephone
// audio.
func DefaultEndpointerConfig() EndpointerConfig {
	return EndpointerConfig{
		WindowFrames:       50,
		MinWindowFrames:    20,
		BaselinePercentile: 0.30,
		ThresholdMargin:    0.15,
		Smoothing:          0.2,
		VarianceFloor:      120.0,
		SilenceFloor:       200,
		StartFrames:        3,
		HangoverFrames:     3,
		Debounce:           300 * time.Millisecond,
		InitialThreshold:   0.25,
		BargeInMargin:      0.25,
		BargeInVariance:    900.0,
	}
}

func (c EndpointerConfig) withDefaults() EndpointerConfig {
	d := DefaultEndpointerConfig()
	if c.WindowFrames <= 0 {
		c.WindowFrames = d.WindowFrames
	}
	if c.MinWindowFrames <= 0 {
		c.MinWindowFrames = d.MinWindowFrames
	}
	if c.BaselinePercentile <= 0 {
		c.BaselinePercentile = d.BaselinePercentile
	}
	if c.ThresholdMargin <= 0 {
		c.ThresholdMargin = d.ThresholdMargin
	}
	if c.Smoothing <= 0 {
		c.Smoothing = d.Smoothing
	}
	if c.VarianceFloor <= 0 {
		c.VarianceFloor = d.VarianceFloor
	}
	if c.SilenceFloor <= 0 {
		c.SilenceFloor = d.SilenceFloor
	}
	if c.StartFrames <= 0 {
		c.StartFrames = d.StartFrames
	}
	if c.HangoverFrames <= 0 {
		c.HangoverFrames = d.HangoverFrames
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.InitialThreshold <= 0 {
		c.InitialThreshold = d.InitialThreshold
	}
	if c.BargeInMargin <= 0 {
		c.BargeInMargin = d.BargeInMargin
	}
	if c.BargeInVariance <= 0 {
		c.BargeInVariance = d.BargeInVariance
	}
	return c
}

// Endpointer classifies inbound frames as speech or silence against an
// adaptive noise baseline and emits speech-segment boundaries. One instance
// per call; not safe for concurrent use.
type Endpointer struct {
	cfg EndpointerConfig

	window   []float64 // rolling energy ratios, oldest first
	smoothed float64   // EWMA'd adaptive threshold

	inSpeech    bool
	speechRun   int
	silenceRun  int
	silenceTail int // bytes of trailing silence buffered in the open segment

	segment *SegmentBuffer
}

// NewEndpointer creates a detector with the given tuning.
func NewEndpointer(cfg EndpointerConfig) *Endpointer {
	c := cfg.withDefaults()
	return &Endpointer{
		cfg:      c,
		window:   make([]float64, 0, c.WindowFrames),
		smoothed: c.InitialThreshold,
		segment:  NewSegmentBuffer(),
	}
}

// Observe feeds one inbound wire frame to the detector and returns the
// resulting speech event, if any.
func (e *Endpointer) Observe(wire []byte) Observation {
	samples := DecodeMuLaw(wire)
	ratio, deviation := e.measure(samples)

	if e.classify(ratio, deviation) {
		return e.observeSpeech(wire)
	}

	// Only silence-classified frames feed the noise window. Folding speech
	// frames in would ratchet the baseline up during a long utterance until
	// the utterance itself classified as silence.
	e.updateThreshold(ratio)
	return e.observeSilence(wire)
}

func (e *Endpointer) observeSpeech(wire []byte) Observation {
	e.silenceRun = 0
	e.silenceTail = 0
	e.speechRun++
	e.segment.Append(wire)

	if !e.inSpeech {
		if e.speechRun >= e.cfg.StartFrames {
			e.inSpeech = true
			return Observation{Event: EventSpeechStarted}
		}
		// Tentative run; buffered in case it sustains into a start.
		return Observation{Event: EventNone}
	}
	return Observation{Event: EventSpeechContinuing}
}

func (e *Endpointer) observeSilence(wire []byte) Observation {
	e.speechRun = 0

	if !e.inSpeech {
		// A tentative run that broke before sustaining is noise.
		e.segment.Reset()
		return Observation{Event: EventNone}
	}

	// Silence inside a segment still belongs to it until the endpoint.
	e.segment.Append(wire)
	e.silenceRun++
	e.silenceTail += len(wire)

	if e.endpointDue() {
		return Observation{Event: EventSpeechEnded, Segment: e.finalize()}
	}
	return Observation{Event: EventNone}
}

// endpointDue reports whether silence has lasted through the hangover plus
// the debounce period, measured in frame time.
func (e *Endpointer) endpointDue() bool {
	if e.silenceRun < e.cfg.HangoverFrames {
		return false
	}
	silencePast := time.Duration(e.silenceRun-e.cfg.HangoverFrames) * FrameDuration * time.Millisecond
	return silencePast >= e.cfg.Debounce
}

// EndpointPending reports whether a segment is in progress with the hangover
// already reached. The session uses this to arm a wall-clock fallback so a
// stalled inbound stream still finalizes the segment.
func (e *Endpointer) EndpointPending() bool {
	return e.inSpeech && e.silenceRun >= e.cfg.HangoverFrames
}

// InSpeech reports whether a speech segment is currently open.
func (e *Endpointer) InSpeech() bool {
	return e.inSpeech
}

// SegmentDuration reports the audio length of the segment in progress.
func (e *Endpointer) SegmentDuration() time.Duration {
	return e.segment.Duration()
}

// Finalize force-closes the segment in progress and returns its wire bytes,
// or nil when no segment is open. Used when media stops arriving mid-segment.
func (e *Endpointer) Finalize() []byte {
	if !e.inSpeech {
		e.segment.Reset()
		return nil
	}
	return e.finalize()
}

func (e *Endpointer) finalize() []byte {
	seg := e.segment.Take()
	// The hangover and debounce silence padded the segment; trimming it
	// keeps the minimum-duration gate honest about how much speech there is.
	if e.silenceTail > 0 && e.silenceTail <= len(seg) {
		seg = seg[:len(seg)-e.silenceTail]
	}
	e.inSpeech = false
	e.speechRun = 0
	e.silenceRun = 0
	e.silenceTail = 0
	return seg
}

// DetectBargeIn checks a frame observed while synthesized audio is playing.
// Echo of the AI's own voice must not trip it, so both the energy ratio and
// the amplitude deviation must spike well above normal speech levels.
func (e *Endpointer) DetectBargeIn(wire []byte) bool {
	samples := DecodeMuLaw(wire)
	ratio, deviation := e.measure(samples)
	return ratio > e.threshold()+e.cfg.BargeInMargin && deviation >= e.cfg.BargeInVariance
}

// Threshold returns the current adaptive speech threshold.
func (e *Endpointer) Threshold() float64 {
	return e.threshold()
}

// Reset clears all detector and segment state.
func (e *Endpointer) Reset() {
	e.window = e.window[:0]
	e.smoothed = e.cfg.InitialThreshold
	e.inSpeech = false
	e.speechRun = 0
	e.silenceRun = 0
	e.silenceTail = 0
	e.segment.Reset()
}

func (e *Endpointer) classify(ratio, deviation float64) bool {
	return ratio > e.threshold() && deviation >= e.cfg.VarianceFloor
}

func (e *Endpointer) threshold() float64 {
	return e.smoothed
}

// measure computes the frame's energy ratio (fraction of samples above the
// silence floor) and its mean absolute deviation from the frame mean.
func (e *Endpointer) measure(samples []int16) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}

	active := 0
	mean := 0.0
	for _, s := range samples {
		mag := s
		if mag < 0 {
			mag = -mag
		}
		if mag > e.cfg.SilenceFloor {
			active++
		}
		mean += float64(s)
	}
	mean /= float64(len(samples))

	deviation := 0.0
	for _, s := range samples {
		d := float64(s) - mean
		if d < 0 {
			d = -d
		}
		deviation += d
	}
	deviation /= float64(len(samples))

	return float64(active) / float64(len(samples)), deviation
}

// updateThreshold pushes a ratio into the rolling window and re-derives the
// adaptive threshold. The percentile baseline is smoothed with an EWMA so a
// single frame cannot yank the threshold across the boundary.
func (e *Endpointer) updateThreshold(ratio float64) {
	if len(e.window) == e.cfg.WindowFrames {
		copy(e.window, e.window[1:])
		e.window = e.window[:len(e.window)-1]
	}
	e.window = append(e.window, ratio)

	if len(e.window) < e.cfg.MinWindowFrames {
		return
	}

	raw := e.percentile(e.cfg.BaselinePercentile) + e.cfg.ThresholdMargin
	e.smoothed += e.cfg.Smoothing * (raw - e.smoothed)
}

func (e *Endpointer) percentile(p float64) float64 {
	sorted := make([]float64, len(e.window))
	copy(sorted, e.window)
	sort.Float64s(sorted)

	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
