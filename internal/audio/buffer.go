package audio

import (
	"sync"
	"time"
)

// SegmentBuffer accumulates wire-format frames for the speech segment
// currently in progress. It is cleared when the segment is finalized or the
// session tears down.
type SegmentBuffer struct {
	mu     sync.Mutex
	frames []byte
}

// NewSegmentBuffer creates an empty segment buffer.
func NewSegmentBuffer() *SegmentBuffer {
	return &SegmentBuffer{}
}

// Append adds one inbound frame to the segment in progress.
func (sb *SegmentBuffer) Append(frame []byte) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.frames = append(sb.frames, frame...)
}

// Bytes returns a copy of the accumulated wire bytes.
func (sb *SegmentBuffer) Bytes() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]byte, len(sb.frames))
	copy(out, sb.frames)
	return out
}

// Len returns the number of accumulated wire bytes.
func (sb *SegmentBuffer) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.frames)
}

// Duration reports the segment length in wall-clock audio time. One wire byte
// is one sample at the wire rate.
func (sb *SegmentBuffer) Duration() time.Duration {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return time.Duration(len(sb.frames)) * time.Second / WireSampleRate
}

// Take returns the accumulated bytes and clears the buffer in one step.
func (sb *SegmentBuffer) Take() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := sb.frames
	sb.frames = nil
	return out
}

// Reset discards the segment in progress.
func (sb *SegmentBuffer) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.frames = nil
}

// IsEmpty reports whether no segment audio has accumulated.
func (sb *SegmentBuffer) IsEmpty() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.frames) == 0
}
