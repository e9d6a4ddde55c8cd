// Package audio provides the PCM helpers and Opus codecs used by the
// synthetic media source and the remote-audio monitor. All PCM is s16le mono.
package audio

import (
	"fmt"
	"time"

	"github.com/hraban/opus"
)

const (
	// SampleRate is the native WebRTC Opus clock rate.
	SampleRate = 48000
	Channels   = 1

	// FrameDuration is the packetization interval for outbound audio.
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is the number of samples in one 20ms frame at 48kHz.
	FrameSamples = SampleRate / 50

	// MaxFrameSize is the largest decodable Opus frame: 120ms at 48kHz.
	MaxFrameSize = 5760

	// maxPacketBytes is a safe upper bound for one encoded Opus packet.
	maxPacketBytes = 1500
)

// Encoder converts 48kHz mono int16 PCM frames to Opus packets.
type Encoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewEncoder creates a VoIP-tuned Opus encoder.
func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &Encoder{enc: enc, buf: make([]byte, maxPacketBytes)}, nil
}

// Encode converts one PCM frame (FrameSamples samples) to an Opus packet.
// The returned slice is valid until the next Encode call.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return e.buf[:n], nil
}

// Decoder converts Opus packets back to 48kHz mono int16 PCM.
type Decoder struct {
	dec *opus.Decoder
}

// NewDecoder creates an Opus decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one Opus packet into pcm (cap >= MaxFrameSize) and returns
// the number of samples written.
func (d *Decoder) Decode(frame []byte, pcm []int16) (int, error) {
	n, err := d.dec.Decode(frame, pcm)
	if err != nil {
		return 0, fmt.Errorf("opus decode: %w", err)
	}
	return n, nil
}
