package tts

import "context"

// VoiceProfile selects the synthesis voice, resolved once at call start.
type VoiceProfile struct {
	VoiceID string
	ModelID string
	// Speed is a playback-rate multiplier, 1.0 is normal.
	Speed float64
}

// Audio is synthesized speech at the provider's native rate. The codec
// downsamples and re-encodes it to wire format before transmission.
type Audio struct {
	// PCM holds raw 16-bit little-endian samples.
	PCM []byte

	// SampleRate is the rate the provider declared for the samples.
	SampleRate int
}

// Client synthesizes utterance text into audio.
type Client interface {
	// Synthesize converts one utterance to audio. Non-speakable characters
	// are stripped before the request.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Audio, error)

	// HealthCheck reports whether the provider is reachable.
	HealthCheck(ctx context.Context) (bool, error)

	// Close releases client resources.
	Close() error
}
