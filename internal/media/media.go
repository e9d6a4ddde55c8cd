// Package media abstracts local capture devices and media tracks so the call
// core does not depend on any particular capture backend. Backends: real
// camera/microphone capture via pion/mediadevices (Linux), and a synthetic
// tone source for headless peers and development.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrAccessDenied means the OS or user refused camera/microphone access.
	ErrAccessDenied = errors.New("media access denied")
	// ErrUnavailable means no capture backend exists on this platform.
	ErrUnavailable = errors.New("media capture unavailable")
)

// Kind distinguishes audio from video tracks.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is one local media track. Enabled is the mute/video-off flag: a
// disabled audio track is muted, a disabled video track is dark. Stop
// releases the underlying device and is idempotent.
type Track interface {
	Kind() Kind
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// RTPProvider is implemented by tracks that can be bound to a pion
// PeerConnection. Fake tracks used in tests do not implement it.
type RTPProvider interface {
	RTPTrack() webrtc.TrackLocal
}

// Stream groups the tracks acquired by one GetUserMedia call.
type Stream struct {
	tracks []Track
}

// NewStream builds a stream from tracks.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns all tracks in the stream.
func (s *Stream) Tracks() []Track { return s.tracks }

// Track returns the first track of the given kind, or nil.
func (s *Stream) Track(k Kind) Track {
	for _, t := range s.tracks {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

// Close stops every track. Safe to call more than once; each track stops
// exactly once.
func (s *Stream) Close() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Devices acquires local media. Audio is always captured; video only when
// requested. Implementations must fail with ErrAccessDenied when the user or
// OS refuses the device.
type Devices interface {
	GetUserMedia(ctx context.Context, video bool) (*Stream, error)
}

// RemoteTrack is an inbound track surfaced by the peer transport.
type RemoteTrack struct {
	Kind Kind
	// Pion is the underlying remote track when running over the pion
	// transport; nil for fake transports in tests.
	Pion *webrtc.TrackRemote
}

// BaseTrack carries the enabled flag and stop-once discipline shared by all
// track implementations. Embedders provide the device release via onStop.
type BaseTrack struct {
	kind    Kind
	enabled atomic.Bool
	stop    sync.Once
	onStop  func()
}

// NewBaseTrack creates an enabled track of the given kind. onStop may be nil.
func NewBaseTrack(kind Kind, onStop func()) *BaseTrack {
	t := &BaseTrack{kind: kind, onStop: onStop}
	t.enabled.Store(true)
	return t
}

func (t *BaseTrack) Kind() Kind         { return t.kind }
func (t *BaseTrack) Enabled() bool      { return t.enabled.Load() }
func (t *BaseTrack) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *BaseTrack) Stop() {
	t.stop.Do(func() {
		if t.onStop != nil {
			t.onStop()
		}
	})
}
