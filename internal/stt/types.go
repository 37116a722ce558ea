package stt

import "context"

// Status classifies a transcription response. NoMatch means the provider
// processed the audio and found no speech, which is not a failure.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoMatch
	StatusOther
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoMatch:
		return "no_match"
	default:
		return "other"
	}
}

// Segment is a finalized speech segment ready for transcription.
type Segment struct {
	// Audio holds the raw segment bytes in the declared encoding.
	Audio []byte

	// Encoding tags the audio format, e.g. "mulaw".
	Encoding string

	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Language is the locale hint passed to the provider.
	Language string
}

// Result is the outcome of a transcription request.
type Result struct {
	Status     Status
	Text       string
	Confidence float64
}

// Client transcribes finalized speech segments.
type Client interface {
	// Transcribe sends one segment and returns its transcript.
	Transcribe(ctx context.Context, seg Segment) (*Result, error)

	// HealthCheck reports whether the provider is reachable.
	HealthCheck(ctx context.Context) (bool, error)

	// Close releases client resources.
	Close() error
}
