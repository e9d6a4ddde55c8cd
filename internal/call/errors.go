package call

import "errors"

// Typed failures surfaced to the UI layer. Matched with errors.Is; the
// wrapped message carries the underlying cause.
var (
	// ErrMediaAccessDenied: camera/microphone refused. No signaling was
	// written; the session never came into being.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrSignalingWrite: a mailbox write failed. The call is treated as
	// failed, never left half-initialized.
	ErrSignalingWrite = errors.New("signaling write failed")

	// ErrSignalingRead: a mailbox read or subscribe failed.
	ErrSignalingRead = errors.New("signaling read failed")

	// ErrCallNotFound: answer/reject on a missing, terminal, or already
	// answered call. Benign; the UI dismisses the stale notification.
	ErrCallNotFound = errors.New("call not found")

	// ErrCallInProgress: a second call attempted while one is bound.
	ErrCallInProgress = errors.New("call already in progress")

	// ErrNegotiationFailed: offer/answer computation or application failed.
	ErrNegotiationFailed = errors.New("negotiation failed")
)
