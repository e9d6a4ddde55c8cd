// Package rtc is the peer-connection boundary: the call state machine drives
// a Transport and never touches pion types directly, so tests can substitute
// an in-memory fake and the negotiation logic stays identical.
package rtc

import (
	"errors"

	"github.com/peerdial/peerdial/internal/media"
	"github.com/peerdial/peerdial/internal/signal"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// State mirrors the peer-connection state reported by the transport.
// Transitions are forwarded verbatim to the session's consumers; the
// transport never retries on its own.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Transport is one peer connection. Callbacks must be registered before
// negotiation starts; they may be invoked from transport-owned goroutines.
type Transport interface {
	// AddTrack registers a local track as outbound media.
	AddTrack(t media.Track) error

	CreateOffer() (signal.SessionDescription, error)
	CreateAnswer() (signal.SessionDescription, error)

	// SetLocalDescription applies the local description and starts ICE
	// gathering. Candidates trickle out via OnLocalCandidate; callers must
	// not wait for gathering to complete.
	SetLocalDescription(sd signal.SessionDescription) error
	SetRemoteDescription(sd signal.SessionDescription) error
	HasRemoteDescription() bool

	AddRemoteCandidate(c signal.Candidate) error

	OnLocalCandidate(fn func(signal.Candidate))
	OnRemoteTrack(fn func(media.RemoteTrack))
	OnStateChange(fn func(State))

	Close() error
}

// Factory builds one transport per call session.
type Factory interface {
	NewTransport() (Transport, error)
}
