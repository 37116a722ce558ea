package audio

import (
	"fmt"
	"math"
)

// Wire format constants for the telephone leg. The media stream carries
// G.711 mu-law at 8kHz in 20ms frames.
const (
	WireSampleRate = 8000
	FrameSamples   = 160 // 20ms at 8kHz
	FrameDuration  = 20  // milliseconds
)

// DecodeMuLaw converts wire-format mu-law bytes to 16-bit linear PCM samples.
// Each byte translates independently, so frames of any size decode without
// buffering delay.
func DecodeMuLaw(wire []byte) []int16 {
	samples := make([]int16, len(wire))
	for i, b := range wire {
		samples[i] = mulawToLinear(b)
	}
	return samples
}

// EncodeMuLaw converts 16-bit linear PCM samples to wire-format mu-law bytes.
func EncodeMuLaw(samples []int16) []byte {
	wire := make([]byte, len(samples))
	for i, s := range samples {
		wire[i] = linearToMulaw(s)
	}
	return wire
}

// ConvertPCMToWire converts raw 16-bit little-endian PCM at the given sample
// rate into mu-law bytes at the wire rate. This is the egress path for
// synthesized audio before it is chunked into frames.
func ConvertPCMToWire(pcm []byte, fromRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := BytesToSamples(pcm)
	if fromRate != WireSampleRate {
		samples = Resample(samples, fromRate, WireSampleRate)
	}
	return EncodeMuLaw(samples), nil
}

// BytesToSamples reinterprets little-endian 16-bit PCM bytes as samples.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts samples back to little-endian 16-bit PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// Resample performs linear interpolation resampling between two rates.
// Quality loss versus sinc interpolation is accepted as a latency trade-off.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(toRate) / float64(fromRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit mu-law
// (ITU-T G.711 encoding).
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159 // maximum magnitude (14-bit range)
		bias = 0x21 // 33 decimal
	)

	var sign byte
	magnitude := int32(sample)

	if sample < 0 {
		sign = 0x80
		magnitude = -magnitude
	}

	if magnitude > clip {
		magnitude = clip
	}

	magnitude += bias

	// Segment (exponent) from the highest set bit position.
	// Segments: 0=33-63, 1=64-127, 2=128-255, ... 7=4096-8191
	var segment byte
	switch {
	case magnitude >= 0x1000:
		segment = 7
	case magnitude >= 0x800:
		segment = 6
	case magnitude >= 0x400:
		segment = 5
	case magnitude >= 0x200:
		segment = 4
	case magnitude >= 0x100:
		segment = 3
	case magnitude >= 0x80:
		segment = 2
	case magnitude >= 0x40:
		segment = 1
	default:
		segment = 0
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)

	// Combine sign, segment, and mantissa, then invert all bits.
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit mu-law sample to 16-bit linear PCM.
func mulawToLinear(b byte) int16 {
	b = ^b

	sign := b & 0x80
	segment := int32((b >> 4) & 0x07)
	mantissa := int32(b & 0x0F)

	// step = (mantissa << (segment + 1)) + (33 << segment), magnitude = step - 33
	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := step - 33

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// NormalizeAudio scales samples down so the peak stays within maxAmplitude.
func NormalizeAudio(samples []int16, maxAmplitude int16) []int16 {
	if len(samples) == 0 {
		return samples
	}

	maxVal := int16(0)
	for _, sample := range samples {
		abs := sample
		if abs < 0 {
			abs = -abs
		}
		if abs > maxVal {
			maxVal = abs
		}
	}

	if maxVal <= maxAmplitude {
		return samples
	}

	ratio := float64(maxAmplitude) / float64(maxVal)
	normalized := make([]int16, len(samples))
	for i, sample := range samples {
		normalized[i] = int16(float64(sample) * ratio)
	}

	return normalized
}

// CalculateRMS computes the root mean square of a sample window.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
