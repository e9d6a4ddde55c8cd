// Package ringbuffer keeps a fixed-duration window of PCM s16, 16kHz, mono
// audio. The peer daemon feeds it decoded remote audio and samples it for
// level metering and debug dumps.
package ringbuffer

import "sync"

// SamplesPerSecond is the sample rate of the stored audio.
const SamplesPerSecond = 16000

// RingBuffer is a circular buffer of int16 samples. Safe for one writer and
// any number of readers.
type RingBuffer struct {
	mu       sync.Mutex
	buf      []int16
	writePos int
	written  int // total samples ever written
}

// New creates a buffer holding the given number of seconds of audio.
func New(seconds int) *RingBuffer {
	return &RingBuffer{buf: make([]int16, seconds*SamplesPerSecond)}
}

// Write appends samples, overwriting the oldest audio when full.
func (rb *RingBuffer) Write(samples []int16) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for len(samples) > 0 {
		n := copy(rb.buf[rb.writePos:], samples)
		samples = samples[n:]
		rb.writePos = (rb.writePos + n) % len(rb.buf)
		rb.written += n
	}
}

// Snapshot copies out the most recent stretch of audio, at most the given
// number of seconds and never more than has been written.
func (rb *RingBuffer) Snapshot(seconds int) []int16 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	want := seconds * SamplesPerSecond
	if want > len(rb.buf) {
		want = len(rb.buf)
	}
	have := rb.written
	if have > len(rb.buf) {
		have = len(rb.buf)
	}
	if want > have {
		want = have
	}
	if want == 0 {
		return nil
	}

	out := make([]int16, want)
	start := (rb.writePos - want + len(rb.buf)) % len(rb.buf)
	if start+want <= len(rb.buf) {
		copy(out, rb.buf[start:start+want])
	} else {
		head := len(rb.buf) - start
		copy(out[:head], rb.buf[start:])
		copy(out[head:], rb.buf[:want-head])
	}
	return out
}

// Available returns how many seconds of audio are currently stored.
func (rb *RingBuffer) Available() float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	have := rb.written
	if have > len(rb.buf) {
		have = len(rb.buf)
	}
	return float64(have) / SamplesPerSecond
}
