// Package signal defines the signaling mailbox: the out-of-band channel two
// peers use to exchange call metadata, session descriptions, and ICE
// candidates before direct media flows. A mailbox stores one document per
// call attempt plus two append-only candidate sequences, one per direction.
package signal

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a call id does not exist in the mailbox.
var ErrNotFound = errors.New("call not found")

// CallStatus is the lifecycle state stored on a call record.
type CallStatus string

const (
	StatusCalling   CallStatus = "calling"
	StatusConnected CallStatus = "connected"
	StatusEnded     CallStatus = "ended"
	StatusRejected  CallStatus = "rejected"
)

// Terminal reports whether the status is final. A terminal record never
// transitions again; the mailbox drops late status patches.
func (s CallStatus) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// SessionDescription is an SDP offer or answer payload. Each is written at
// most once per call, by the initiator and answerer respectively.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one discovered ICE candidate. Field names mirror the
// RTCIceCandidateInit wire shape so payloads round-trip unchanged.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Direction identifies which peer a candidate sequence belongs to. Each peer
// appends to its own direction and watches the opposite one; the mapping is
// fixed for the lifetime of a call.
type Direction string

const (
	FromCaller Direction = "caller"
	FromCallee Direction = "callee"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == FromCaller {
		return FromCallee
	}
	return FromCaller
}

// CallRecord is the mailbox document for one call attempt.
type CallRecord struct {
	ID           string              `json:"id"`
	CallerID     string              `json:"callerId"`
	CallerName   string              `json:"callerName,omitempty"`
	CallerAvatar string              `json:"callerAvatar,omitempty"`
	CalleeID     string              `json:"calleeId"`
	CalleeName   string              `json:"calleeName,omitempty"`
	CalleeAvatar string              `json:"calleeAvatar,omitempty"`
	Video        bool                `json:"isVideoCall"`
	Status       CallStatus          `json:"status"`
	Offer        *SessionDescription `json:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	EndedAt      *time.Time          `json:"endedAt,omitempty"`
}

// CallPatch is a merge-update for a call record. Nil fields are left
// untouched; writing the answer never erases the offer.
type CallPatch struct {
	Status  *CallStatus         `json:"status,omitempty"`
	Offer   *SessionDescription `json:"offer,omitempty"`
	Answer  *SessionDescription `json:"answer,omitempty"`
	EndedAt *time.Time          `json:"endedAt,omitempty"`
}

// apply merges the patch into r under mailbox semantics: offer and answer are
// write-once, and a terminal status is sticky.
func (p CallPatch) apply(r *CallRecord) {
	if p.Offer != nil && r.Offer == nil {
		o := *p.Offer
		r.Offer = &o
	}
	if p.Answer != nil && r.Answer == nil {
		a := *p.Answer
		r.Answer = &a
	}
	if !r.Status.Terminal() {
		if p.Status != nil {
			r.Status = *p.Status
		}
		if p.EndedAt != nil && r.EndedAt == nil {
			t := *p.EndedAt
			r.EndedAt = &t
		}
	}
}
