package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerdial/peerdial/internal/media"
	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/rtc"
	"github.com/peerdial/peerdial/internal/signal"
)

// Config tunes coordinator timing. Zero values pick the defaults.
type Config struct {
	// IncomingTimeout is how long an unanswered incoming call rings
	// before it is auto-rejected. Defaults to 30s.
	IncomingTimeout time.Duration
	// FailureGrace is how long a failed transport may sit before the call
	// is ended, giving ICE a chance to restart the pair. Defaults to 2s.
	FailureGrace time.Duration
}

const (
	defaultIncomingTimeout = 30 * time.Second
	defaultFailureGrace    = 2 * time.Second
)

// CallInfo is the coordinator's snapshot of the active call.
type CallInfo struct {
	ID          string
	Participant Identity
	Video       bool
}

// Coordinator serializes call lifecycle for one local identity. It enforces
// the single-active-call rule, watches the mailbox for incoming calls,
// rings them with an auto-reject timeout, and forwards the active session's
// events on one stream.
type Coordinator struct {
	deps Deps
	self Identity
	cfg  Config
	log  *zap.Logger

	mu            sync.Mutex
	session       *Session
	current       *CallInfo
	incoming      *signal.CallRecord
	incomingTimer *time.Timer
	connState     rtc.State
	localStream   *media.Stream
	stopIncoming  func()
	closed        bool

	pumps sync.WaitGroup

	evMu     sync.Mutex
	events   chan Event
	evClosed bool
}

// NewCoordinator builds a coordinator for self and starts watching the
// mailbox for calls addressed to it.
func NewCoordinator(deps Deps, self Identity, cfg Config) (*Coordinator, error) {
	if cfg.IncomingTimeout <= 0 {
		cfg.IncomingTimeout = defaultIncomingTimeout
	}
	if cfg.FailureGrace <= 0 {
		cfg.FailureGrace = defaultFailureGrace
	}
	c := &Coordinator{
		deps:      deps,
		self:      self,
		cfg:       cfg,
		log:       deps.Logger.With(zap.String("user", self.ID)),
		connState: rtc.StateNew,
		events:    make(chan Event, 64),
	}
	stop, err := deps.Mailbox.WatchIncoming(context.Background(), self.ID, c.onIncoming)
	if err != nil {
		return nil, fmt.Errorf("%w: watch incoming: %v", ErrSignalingRead, err)
	}
	c.stopIncoming = stop
	return c, nil
}

// Events returns the coordinator's event stream: incoming-call
// notifications plus everything the active session emits. Closed by Close.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Current returns the active call's info, or nil when idle.
func (c *Coordinator) Current() *CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	info := *c.current
	return &info
}

// Incoming returns the ringing call record, or nil when none is pending.
func (c *Coordinator) Incoming() *signal.CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.incoming == nil {
		return nil
	}
	rec := *c.incoming
	return &rec
}

// LocalStream returns the active call's local media, or nil when idle.
func (c *Coordinator) LocalStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localStream
}

// ConnectionState returns the active call's last observed transport state,
// or StateNew when idle.
func (c *Coordinator) ConnectionState() rtc.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// StartCall places an outgoing call to recipient. Fails fast with
// ErrCallInProgress while another call is active.
func (c *Coordinator) StartCall(ctx context.Context, recipient Identity, video bool) (*CallInfo, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	if c.current != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: already in call %s", ErrCallInProgress, c.current.ID)
	}
	// Reserve the slot before the (slow) dial so two concurrent StartCall
	// invocations cannot both proceed.
	c.current = &CallInfo{Participant: recipient, Video: video}
	c.mu.Unlock()

	s, err := Dial(ctx, c.deps, CallParams{Caller: c.self, Recipient: recipient, Video: video})
	if err != nil {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.session = s
	c.current.ID = s.CallID()
	info := *c.current
	c.mu.Unlock()

	metrics.CallsStartedTotal.Inc()
	metrics.ActiveCalls.Set(1)
	c.pumps.Add(1)
	go c.pump(s)
	return &info, nil
}

// AnswerCall accepts the ringing call, or the given call id directly. A
// call whose record is already terminal (the caller hung up, or the ring
// timed out) yields ErrCallNotFound.
func (c *Coordinator) AnswerCall(ctx context.Context, callID string) (*CallInfo, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	if c.current != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: already in call %s", ErrCallInProgress, c.current.ID)
	}
	if c.incoming != nil && c.incoming.ID == callID {
		c.clearIncomingLocked()
	}
	c.current = &CallInfo{ID: callID}
	c.mu.Unlock()

	s, err := Answer(ctx, c.deps, callID)
	if err != nil {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.current.Participant = s.Peer()
	c.current.Video = s.Video()
	c.session = s
	info := *c.current
	c.mu.Unlock()

	metrics.CallsAnsweredTotal.Inc()
	metrics.ActiveCalls.Set(1)
	c.pumps.Add(1)
	go c.pump(s)
	return &info, nil
}

// RejectCall declines a ringing call without creating a transport: it
// writes status "rejected" to the record. Rejecting a call that is already
// gone or terminal is a no-op.
func (c *Coordinator) RejectCall(ctx context.Context, callID string) error {
	c.mu.Lock()
	if c.incoming != nil && c.incoming.ID == callID {
		c.clearIncomingLocked()
		c.emitLocked(Event{Kind: EventIncomingCleared})
	}
	c.mu.Unlock()

	return rejectRecord(ctx, c.deps.Mailbox, callID)
}

// rejectRecord writes the rejected status, tolerating records that no
// longer exist or already reached a terminal state.
func rejectRecord(ctx context.Context, mb signal.Mailbox, callID string) error {
	rec, err := mb.GetCall(ctx, callID)
	if err == signal.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingRead, err)
	}
	if rec.Status.Terminal() {
		return nil
	}
	rejected := signal.StatusRejected
	now := time.Now().UTC()
	if err := mb.UpdateCall(ctx, callID, signal.CallPatch{Status: &rejected, EndedAt: &now}); err != nil {
		return fmt.Errorf("%w: mark rejected: %v", ErrSignalingWrite, err)
	}
	metrics.CallsRejectedTotal.Inc()
	return nil
}

// EndCall hangs up the active call. A no-op when idle.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.End(ctx)
}

// ToggleMute flips the active call's microphone. False when idle.
func (c *Coordinator) ToggleMute() bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return false
	}
	return s.ToggleMute()
}

// ToggleVideo flips the active call's camera. False when idle.
func (c *Coordinator) ToggleVideo() bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return false
	}
	return s.ToggleVideo()
}

// Close shuts the coordinator down: stops the incoming watch, ends any
// active call, and closes the event stream.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.clearIncomingLocked()
	stop := c.stopIncoming
	s := c.session
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	var err error
	if s != nil {
		err = s.End(ctx)
	}
	// Wait for the pump so clearSession runs before the stream closes.
	c.pumps.Wait()

	c.evMu.Lock()
	if !c.evClosed {
		c.evClosed = true
		close(c.events)
	}
	c.evMu.Unlock()
	return err
}

// pump forwards one session's events to the coordinator stream and reacts
// to state transitions. Exits when the session's channel closes.
func (c *Coordinator) pump(s *Session) {
	defer c.pumps.Done()
	var failTimer *time.Timer
	stopFail := func() {
		if failTimer != nil {
			failTimer.Stop()
			failTimer = nil
		}
	}

	for ev := range s.Events() {
		switch ev.Kind {
		case EventLocalStream:
			c.mu.Lock()
			if c.session == s {
				c.localStream = ev.Stream
			}
			c.mu.Unlock()
		case EventConnectionState:
			c.mu.Lock()
			c.connState = ev.State
			c.mu.Unlock()
			switch ev.State {
			case rtc.StateFailed:
				if failTimer == nil {
					failTimer = time.AfterFunc(c.cfg.FailureGrace, func() {
						c.log.Warn("transport failed, ending call", zap.String("call", s.CallID()))
						if err := s.finish(context.Background(), EndFailed, true); err != nil {
							c.log.Warn("end after failure", zap.Error(err))
						}
					})
				}
			case rtc.StateConnected:
				stopFail()
			}
		case EventEnded:
			stopFail()
			c.clearSession(s)
		}
		c.emit(ev)
	}
	stopFail()
}

// clearSession resets the active slot after s ended. Ignores sessions that
// were already replaced.
func (c *Coordinator) clearSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return
	}
	c.session = nil
	c.current = nil
	c.connState = rtc.StateNew
	c.localStream = nil
	metrics.ActiveCalls.Set(0)
}

// onIncoming handles a mailbox notification for a call addressed to self.
// Runs on the mailbox's watch goroutine.
func (c *Coordinator) onIncoming(rec signal.CallRecord) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.incoming != nil && c.incoming.ID == rec.ID {
		c.mu.Unlock()
		return
	}
	busy := c.current != nil || c.incoming != nil
	if busy {
		c.mu.Unlock()
		// Second simultaneous call: decline it immediately rather than
		// queueing, so the caller stops ringing right away.
		c.log.Info("busy, auto-rejecting", zap.String("call", rec.ID))
		go func() {
			if err := rejectRecord(context.Background(), c.deps.Mailbox, rec.ID); err != nil {
				c.log.Warn("auto-reject busy call", zap.Error(err))
			}
		}()
		return
	}

	r := rec
	c.incoming = &r
	c.incomingTimer = time.AfterFunc(c.cfg.IncomingTimeout, func() {
		c.expireIncoming(rec.ID)
	})
	c.log.Info("incoming call",
		zap.String("call", rec.ID),
		zap.String("caller", rec.CallerID),
		zap.Bool("video", rec.Video),
	)
	c.emitLocked(Event{Kind: EventIncomingCall, Incoming: &r})
	c.mu.Unlock()
}

// expireIncoming fires when a ringing call was neither answered nor
// rejected within the timeout.
func (c *Coordinator) expireIncoming(callID string) {
	c.mu.Lock()
	if c.incoming == nil || c.incoming.ID != callID {
		c.mu.Unlock()
		return
	}
	c.clearIncomingLocked()
	c.emitLocked(Event{Kind: EventIncomingCleared})
	c.mu.Unlock()

	c.log.Info("incoming call timed out", zap.String("call", callID))
	metrics.IncomingTimeoutsTotal.Inc()
	if err := rejectRecord(context.Background(), c.deps.Mailbox, callID); err != nil {
		c.log.Warn("reject timed-out call", zap.Error(err))
	}
}

func (c *Coordinator) clearIncomingLocked() {
	if c.incomingTimer != nil {
		c.incomingTimer.Stop()
		c.incomingTimer = nil
	}
	c.incoming = nil
}

func (c *Coordinator) emit(ev Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.evClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("coordinator event dropped", zap.String("kind", string(ev.Kind)))
	}
}

// emitLocked is emit for callers already holding c.mu. The event mutex
// nests inside the state mutex, never the other way around.
func (c *Coordinator) emitLocked(ev Event) {
	c.emit(ev)
}
