// Package relay carries the signaling mailbox over websockets: a relay
// server hosts the authoritative mailbox and any number of peers mount it
// remotely through the Client, which implements signal.Mailbox.
package relay

import (
	"encoding/json"

	"github.com/peerdial/peerdial/internal/signal"
)

// Frame is the single message shape on a relay connection, both directions.
// Requests carry Op and ID; responses echo the request's ID in Ref; watch
// events carry the subscription id in Watch.
type Frame struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	Ref   string          `json:"ref,omitempty"`
	Watch string          `json:"watch,omitempty"`
	D     json.RawMessage `json:"d,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Request ops.
const (
	OpCreate          = "create"
	OpGet             = "get"
	OpUpdate          = "update"
	OpCandidate       = "candidate"
	OpWatchCall       = "watch_call"
	OpWatchCandidates = "watch_candidates"
	OpWatchIncoming   = "watch_incoming"
	OpUnwatch         = "unwatch"
)

// Server-sent ops.
const (
	OpResp  = "resp"
	OpEvent = "event"
)

// Error codes carried in Frame.Error.
const (
	ErrCodeNotFound   = "not_found"
	ErrCodeBadRequest = "bad_request"
	ErrCodeInternal   = "internal"
)

type createReq struct {
	Record signal.CallRecord `json:"record"`
}

type createResp struct {
	ID string `json:"id"`
}

type getReq struct {
	ID string `json:"id"`
}

type updateReq struct {
	ID    string           `json:"id"`
	Patch signal.CallPatch `json:"patch"`
}

type candidateReq struct {
	ID        string           `json:"id"`
	Direction signal.Direction `json:"direction"`
	Candidate signal.Candidate `json:"candidate"`
}

type watchCallReq struct {
	ID string `json:"id"`
}

type watchCandidatesReq struct {
	ID        string           `json:"id"`
	Direction signal.Direction `json:"direction"`
}

type watchIncomingReq struct {
	CalleeID string `json:"calleeId"`
}

func marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
