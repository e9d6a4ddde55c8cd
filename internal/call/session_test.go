package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/peerdial/peerdial/internal/signal"
	"github.com/peerdial/peerdial/internal/testutil"
)

var (
	alice = Identity{ID: "alice", Name: "Alice"}
	bob   = Identity{ID: "bob", Name: "Bob"}
)

type env struct {
	mailbox *signal.Memory
	factory *fakeFactory
	devices *fakeDevices
	deps    Deps
}

func newEnv() *env {
	e := &env{
		mailbox: signal.NewMemory(),
		factory: &fakeFactory{},
		devices: &fakeDevices{},
	}
	e.deps = Deps{
		Mailbox:    e.mailbox,
		Transports: e.factory,
		Devices:    e.devices,
		Logger:     zap.NewNop(),
	}
	return e
}

// eventLog drains a session's event stream on a goroutine so tests can poll
// what has been delivered so far.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func collect(ch <-chan Event) *eventLog {
	l := &eventLog{}
	go func() {
		for ev := range ch {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	}()
	return l
}

func (l *eventLog) has(kind EventKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) endReason() (EndReason, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == EventEnded {
			return ev.Reason, true
		}
	}
	return "", false
}

func (l *eventLog) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func mustGetCall(t *testing.T, mb signal.Mailbox, id string) signal.CallRecord {
	t.Helper()
	rec, err := mb.GetCall(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCall(%s): %v", id, err)
	}
	return rec
}

func TestDialCreatesRecordWithOffer(t *testing.T) {
	e := newEnv()
	s, err := Dial(context.Background(), e.deps, CallParams{Caller: alice, Recipient: bob, Video: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.End(context.Background())

	log := collect(s.Events())
	testutil.WaitUntil(t, func() bool { return log.has(EventLocalStream) }, "local stream event")

	rec := mustGetCall(t, e.mailbox, s.CallID())
	if rec.Status != signal.StatusCalling {
		t.Errorf("status = %s, want %s", rec.Status, signal.StatusCalling)
	}
	if rec.Offer == nil || rec.Offer.Type != "offer" {
		t.Errorf("offer = %+v, want type offer", rec.Offer)
	}
	if rec.CallerID != "alice" || rec.CalleeID != "bob" || !rec.Video {
		t.Errorf("record identities wrong: %+v", rec)
	}

	// The caller's trickled candidates land in its own direction.
	var got []signal.Candidate
	var mu sync.Mutex
	cancel, err := e.mailbox.WatchCandidates(context.Background(), s.CallID(), signal.FromCaller, func(c signal.Candidate) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer cancel()
	testutil.WaitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "caller candidates in mailbox")
}

func TestAnswerConnectsBothEnds(t *testing.T) {
	e := newEnv()
	caller, err := Dial(context.Background(), e.deps, CallParams{Caller: alice, Recipient: bob})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	callerLog := collect(caller.Events())

	callee, err := Answer(context.Background(), e.deps, caller.CallID())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	calleeLog := collect(callee.Events())

	testutil.WaitUntil(t, func() bool {
		return callerLog.has(EventRemoteTrack) && calleeLog.has(EventRemoteTrack)
	}, "remote tracks on both ends")

	rec := mustGetCall(t, e.mailbox, caller.CallID())
	if rec.Status != signal.StatusConnected {
		t.Errorf("status = %s, want %s", rec.Status, signal.StatusConnected)
	}
	if rec.Answer == nil || rec.Answer.Type != "answer" {
		t.Errorf("answer = %+v, want type answer", rec.Answer)
	}
	if callee.Peer().ID != "alice" {
		t.Errorf("callee peer = %s, want alice", callee.Peer().ID)
	}

	// Each side ends up with the other's two trickled candidates, and no
	// candidate ever reached a transport before its remote description.
	ts := e.factory.transports()
	if len(ts) != 2 {
		t.Fatalf("transports = %d, want 2", len(ts))
	}
	for i, tr := range ts {
		tr := tr
		testutil.WaitUntil(t, func() bool { return len(tr.remoteCandidates()) == 2 }, "peer candidates applied")
		if tr.sawCandidateBeforeDescription() {
			t.Errorf("transport %d received a candidate before its remote description", i)
		}
	}

	if err := caller.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	testutil.WaitUntil(t, func() bool { return calleeLog.isClosed() }, "callee stream closed")
}

func TestAnswerAppliedExactlyOnce(t *testing.T) {
	e := newEnv()
	caller, err := Dial(context.Background(), e.deps, CallParams{Caller: alice, Recipient: bob})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer caller.End(context.Background())

	callee, err := Answer(context.Background(), e.deps, caller.CallID())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	defer callee.End(context.Background())

	callerTransport := e.factory.transports()[0]
	testutil.WaitUntil(t, func() bool { return callerTransport.setRemoteCalls.Load() == 1 }, "answer applied")

	// Redundant snapshots of the same record must not re-apply the answer.
	var snapshots atomic.Int32
	cancel, err := e.mailbox.WatchCall(context.Background(), caller.CallID(), func(signal.CallRecord) {
		snapshots.Add(1)
	})
	if err != nil {
		t.Fatalf("WatchCall: %v", err)
	}
	defer cancel()
	testutil.WaitUntil(t, func() bool { return snapshots.Load() >= 1 }, "initial snapshot")

	for i := 0; i < 3; i++ {
		if err := e.mailbox.UpdateCall(context.Background(), caller.CallID(), signal.CallPatch{}); err != nil {
			t.Fatalf("UpdateCall: %v", err)
		}
	}
	testutil.WaitUntil(t, func() bool { return snapshots.Load() >= 4 }, "redundant snapshots delivered")
	time.Sleep(50 * time.Millisecond)
	if n := callerTransport.setRemoteCalls.Load(); n != 1 {
		t.Errorf("SetRemoteDescription called %d times, want 1", n)
	}
}

func TestEndReleasesMediaOnce(t *testing.T) {
	e := newEnv()
	s, err := Dial(context.Background(), e.deps, CallParams{Caller: alice, Recipient: bob})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	log := collect(s.Events())

	if err := s.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := s.End(context.Background()); err != nil {
		t.Fatalf("second End: %v", err)
	}

	testutil.WaitUntil(t, func() bool { return log.isClosed() }, "event stream closed")
	if reason, ok := log.endReason(); !ok || reason != EndHangup {
		t.Errorf("end reason = %q ok=%v, want %q", reason, ok, EndHangup)
	}

	fs := e.devices.lastStream()
	if n := fs.audio.stops.Load(); n != 1 {
		t.Errorf("audio track stopped %d times, want 1", n)
	}

	rec := mustGetCall(t, e.mailbox, s.CallID())
	if rec.Status != signal.StatusEnded || rec.EndedAt == nil {
		t.Errorf("record after end: status=%s endedAt=%v", rec.Status, rec.EndedAt)
	}
}

func TestRemoteHangupTearsDownPeer(t *testing.T) {
	e := newEnv()
	caller, err := Dial(context.Background(), e.deps, CallParams{Caller: alice, Recipient: bob})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	callee, err := Answer(context.Background(), e.deps, caller.CallID())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	calleeLog := collect(callee.Events())

	if err := caller.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}

	testutil.WaitUntil(t, func() bool { return calleeLog.isClosed() }, "callee ended")
	if reason, ok := calleeLog.endReason(); !ok || reason != EndRemoteHangup {
		t.Errorf("callee end reason = %q ok=%v, want %q", reason, ok, EndRemoteHangup)
	}
	fs := e.devices.lastStream()
	if n := fs.audio.stops.Load(); n != 1 {
		t.Errorf("callee audio stopped %d times, want 1", n)
	}
}

func TestAnswerRejectsMissingOrTerminalCalls(t *testing.T) {
	e := newEnv()

	if _, err := Answer(context.Background(), e.deps, "no-such-call"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("Answer(unknown) = %v, want ErrCallNotFound", err)
	}

	s, err := Dial(context.Background(), e.deps, CallParams{Caller: alice, Recipient: bob})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := s.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := Answer(context.Background(), e.deps, s.CallID()); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("Answer(ended) = %v, want ErrCallNotFound", err)
	}
}

func TestDialMediaDenied(t *testing.T) {
	e := newEnv()
	e.devices.deny = true
	if _, err := Dial(context.Background(), e.deps, CallParams{Caller: alice, Recipient: bob}); !errors.Is(err, ErrMediaAccessDenied) {
		t.Errorf("Dial = %v, want ErrMediaAccessDenied", err)
	}
}

func TestOfferWriteFailureMarksRecordEnded(t *testing.T) {
	e := newEnv()
	flaky := &flakyMailbox{Mailbox: e.mailbox}
	flaky.failUpdates.Store(1)
	deps := e.deps
	deps.Mailbox = flaky

	s, err := Dial(context.Background(), deps, CallParams{Caller: alice, Recipient: bob})
	if !errors.Is(err, ErrSignalingWrite) {
		t.Fatalf("Dial = (%v, %v), want ErrSignalingWrite", s, err)
	}

	// The half-written record must not be left ringing, and the stream
	// acquired for the failed dial must be released.
	id := flaky.lastCreated()
	if id == "" {
		t.Fatal("no call record was created")
	}
	rec := mustGetCall(t, e.mailbox, id)
	if rec.Status != signal.StatusEnded || rec.EndedAt == nil {
		t.Errorf("record after failed dial: status=%s endedAt=%v", rec.Status, rec.EndedAt)
	}
	if n := e.devices.lastStream().audio.stops.Load(); n != 1 {
		t.Errorf("audio track stopped %d times, want 1", n)
	}
}

func TestToggleMuteAndVideo(t *testing.T) {
	e := newEnv()
	s, err := Dial(context.Background(), e.deps, CallParams{Caller: alice, Recipient: bob, Video: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.End(context.Background())
	fs := e.devices.lastStream()

	if muted := s.ToggleMute(); !muted {
		t.Error("first ToggleMute = false, want true")
	}
	if fs.audio.Enabled() {
		t.Error("audio track still enabled after mute")
	}
	if muted := s.ToggleMute(); muted {
		t.Error("second ToggleMute = true, want false")
	}

	if off := s.ToggleVideo(); !off {
		t.Error("first ToggleVideo = false, want true")
	}
	if fs.video.Enabled() {
		t.Error("video track still enabled after toggle")
	}
}

func TestToggleVideoOnAudioOnlyCall(t *testing.T) {
	e := newEnv()
	s, err := Dial(context.Background(), e.deps, CallParams{Caller: alice, Recipient: bob})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.End(context.Background())

	for i := 0; i < 2; i++ {
		if off := s.ToggleVideo(); off {
			t.Errorf("ToggleVideo on audio-only call = true, want stable false")
		}
	}
	if !e.devices.lastStream().audio.Enabled() {
		t.Error("audio track disabled by video toggle")
	}
}
