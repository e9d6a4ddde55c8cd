package signal

import (
	"context"
	"testing"
	"time"
)

func newTestRecord() CallRecord {
	return CallRecord{
		CallerID:   "alice",
		CallerName: "Alice",
		CalleeID:   "bob",
		CalleeName: "Bob",
		Video:      false,
		Status:     StatusCalling,
	}
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestCreateAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.CreateCall(ctx, newTestRecord())
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated call id")
	}

	rec, err := m.GetCall(ctx, id)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if rec.Status != StatusCalling {
		t.Errorf("expected status calling, got %s", rec.Status)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	if _, err := m.GetCall(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMergesWithoutClobbering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.CreateCall(ctx, newTestRecord())

	offer := SessionDescription{Type: "offer", SDP: "v=0 offer"}
	if err := m.UpdateCall(ctx, id, CallPatch{Offer: &offer}); err != nil {
		t.Fatalf("UpdateCall offer: %v", err)
	}

	answer := SessionDescription{Type: "answer", SDP: "v=0 answer"}
	connected := StatusConnected
	if err := m.UpdateCall(ctx, id, CallPatch{Answer: &answer, Status: &connected}); err != nil {
		t.Fatalf("UpdateCall answer: %v", err)
	}

	rec, _ := m.GetCall(ctx, id)
	if rec.Offer == nil || rec.Offer.SDP != "v=0 offer" {
		t.Error("offer was clobbered by the answer patch")
	}
	if rec.Answer == nil || rec.Answer.SDP != "v=0 answer" {
		t.Error("answer was not applied")
	}
	if rec.Status != StatusConnected {
		t.Errorf("expected connected, got %s", rec.Status)
	}
}

func TestOfferIsWriteOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.CreateCall(ctx, newTestRecord())

	first := SessionDescription{Type: "offer", SDP: "first"}
	second := SessionDescription{Type: "offer", SDP: "second"}
	m.UpdateCall(ctx, id, CallPatch{Offer: &first})
	m.UpdateCall(ctx, id, CallPatch{Offer: &second})

	rec, _ := m.GetCall(ctx, id)
	if rec.Offer.SDP != "first" {
		t.Errorf("offer was overwritten: %q", rec.Offer.SDP)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.CreateCall(ctx, newTestRecord())

	rejected := StatusRejected
	now := time.Now().UTC()
	m.UpdateCall(ctx, id, CallPatch{Status: &rejected, EndedAt: &now})

	connected := StatusConnected
	m.UpdateCall(ctx, id, CallPatch{Status: &connected})

	rec, _ := m.GetCall(ctx, id)
	if rec.Status != StatusRejected {
		t.Errorf("terminal status changed to %s", rec.Status)
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt lost")
	}
}

func TestWatchCallDeliversSnapshotThenChanges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.CreateCall(ctx, newTestRecord())

	recs := make(chan CallRecord, 8)
	cancel, err := m.WatchCall(ctx, id, func(r CallRecord) { recs <- r })
	if err != nil {
		t.Fatalf("WatchCall: %v", err)
	}
	defer cancel()

	initial := recv(t, recs, "initial snapshot")
	if initial.Status != StatusCalling {
		t.Errorf("initial snapshot status = %s", initial.Status)
	}

	connected := StatusConnected
	m.UpdateCall(ctx, id, CallPatch{Status: &connected})
	changed := recv(t, recs, "status change")
	if changed.Status != StatusConnected {
		t.Errorf("changed status = %s", changed.Status)
	}
}

func TestWatchCandidatesReplaysInOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.CreateCall(ctx, newTestRecord())

	for _, c := range []string{"cand-0", "cand-1"} {
		m.AppendCandidate(ctx, id, FromCaller, Candidate{Candidate: c})
	}

	got := make(chan Candidate, 8)
	cancel, err := m.WatchCandidates(ctx, id, FromCaller, func(c Candidate) { got <- c })
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer cancel()

	m.AppendCandidate(ctx, id, FromCaller, Candidate{Candidate: "cand-2"})

	for i, want := range []string{"cand-0", "cand-1", "cand-2"} {
		c := recv(t, got, "candidate")
		if c.Candidate != want {
			t.Errorf("candidate %d: got %q want %q", i, c.Candidate, want)
		}
	}
}

func TestWatchCandidatesDirectionsAreIndependent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.CreateCall(ctx, newTestRecord())

	callee := make(chan Candidate, 8)
	cancel, _ := m.WatchCandidates(ctx, id, FromCallee, func(c Candidate) { callee <- c })
	defer cancel()

	m.AppendCandidate(ctx, id, FromCaller, Candidate{Candidate: "wrong-direction"})
	m.AppendCandidate(ctx, id, FromCallee, Candidate{Candidate: "right-direction"})

	c := recv(t, callee, "callee candidate")
	if c.Candidate != "right-direction" {
		t.Errorf("got candidate from the wrong direction: %q", c.Candidate)
	}
}

func TestWatchIncomingSeesExistingAndNewCalls(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	existing, _ := m.CreateCall(ctx, newTestRecord())

	got := make(chan CallRecord, 8)
	cancel, err := m.WatchIncoming(ctx, "bob", func(r CallRecord) { got <- r })
	if err != nil {
		t.Fatalf("WatchIncoming: %v", err)
	}
	defer cancel()

	first := recv(t, got, "existing incoming call")
	if first.ID != existing {
		t.Errorf("expected existing call %s, got %s", existing, first.ID)
	}

	fresh, _ := m.CreateCall(ctx, newTestRecord())
	second := recv(t, got, "new incoming call")
	if second.ID != fresh {
		t.Errorf("expected new call %s, got %s", fresh, second.ID)
	}

	// Calls for other identities must not be delivered.
	other := newTestRecord()
	other.CalleeID = "carol"
	m.CreateCall(ctx, other)
	select {
	case r := <-got:
		t.Errorf("unexpected incoming call for %s delivered to bob", r.CalleeID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.CreateCall(ctx, newTestRecord())

	got := make(chan CallRecord, 8)
	cancel, _ := m.WatchCall(ctx, id, func(r CallRecord) { got <- r })
	recv(t, got, "initial snapshot")

	cancel()
	cancel() // idempotent

	connected := StatusConnected
	m.UpdateCall(ctx, id, CallPatch{Status: &connected})
	select {
	case <-got:
		t.Error("delivery continued after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}
