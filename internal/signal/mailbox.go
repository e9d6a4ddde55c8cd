package signal

import "context"

// Mailbox is the capability the call core needs from a signaling backend:
// document create/merge-update plus push subscriptions. Implementations exist
// over an in-process store (Memory) and a WebSocket relay (internal/relay).
//
// Subscription contract, shared by all implementations:
//   - WatchCall fires once with the current record, then on every change.
//     Redundant snapshots are allowed; consumers must be idempotent.
//   - WatchCandidates replays all candidates already appended, then delivers
//     new ones. Candidates are never dropped or reordered within a direction.
//   - WatchIncoming delivers records with status "calling" addressed to
//     calleeID, including ones that already exist at subscribe time.
//   - Callbacks for one subscription run sequentially on a single goroutine.
//   - The returned cancel func stops delivery and is safe to call twice.
type Mailbox interface {
	CreateCall(ctx context.Context, rec CallRecord) (string, error)
	GetCall(ctx context.Context, id string) (CallRecord, error)
	UpdateCall(ctx context.Context, id string, patch CallPatch) error
	AppendCandidate(ctx context.Context, id string, dir Direction, c Candidate) error

	WatchCall(ctx context.Context, id string, fn func(CallRecord)) (func(), error)
	WatchCandidates(ctx context.Context, id string, dir Direction, fn func(Candidate)) (func(), error)
	WatchIncoming(ctx context.Context, calleeID string, fn func(CallRecord)) (func(), error)
}
