package call

import (
	"github.com/peerdial/peerdial/internal/media"
	"github.com/peerdial/peerdial/internal/rtc"
	"github.com/peerdial/peerdial/internal/signal"
)

// EventKind discriminates the values flowing on an event stream.
type EventKind string

const (
	// EventLocalStream: local media was acquired. Stream is set.
	EventLocalStream EventKind = "local-stream"
	// EventRemoteTrack: an inbound track arrived. Track is set.
	EventRemoteTrack EventKind = "remote-track"
	// EventConnectionState: the transport reported a state change. State is set.
	EventConnectionState EventKind = "connection-state"
	// EventEnded: the session reached its terminal state. Reason is set.
	// This is always the last event on a session's stream.
	EventEnded EventKind = "ended"
	// EventIncomingCall: a call invitation arrived (coordinator stream only).
	// Incoming is set.
	EventIncomingCall EventKind = "incoming-call"
	// EventIncomingCleared: the pending invitation went away without being
	// answered locally, either timed out or withdrawn (coordinator stream only).
	EventIncomingCleared EventKind = "incoming-cleared"
)

// EndReason qualifies the terminal state of a session.
type EndReason string

const (
	EndHangup       EndReason = "hangup"        // local endCall
	EndRemoteHangup EndReason = "remote-hangup" // record marked ended by the peer
	EndRejected     EndReason = "rejected"      // record marked rejected
	EndFailed       EndReason = "failed"        // transport or signaling failure
)

// Event is one notification from a session or coordinator. Exactly one
// payload field is meaningful, selected by Kind.
type Event struct {
	Kind     EventKind
	Stream   *media.Stream
	Track    media.RemoteTrack
	State    rtc.State
	Reason   EndReason
	Incoming *signal.CallRecord
}
