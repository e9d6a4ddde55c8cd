// Package call implements the peer-to-peer call core: the per-call Session
// state machine that drives offer/answer/ICE exchange through a signaling
// mailbox, and the per-identity Coordinator that owns the active call.
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

// Identity is the display metadata attached to a call participant.
type Identity struct {
	ID     string
	Name   string
	Avatar string
}

// Deps are the collaborators a session is built from. All fields are
// required; Logger may be zap.NewNop() in tests.
type Deps struct {
	Mailbox    signal.Mailbox
	Transports rtc.Factory
	Devices    media.Devices
	Logger     *zap.Logger
}

// CallParams describes an outgoing call.
type CallParams struct {
	Caller    Identity
	Recipient Identity
	Video     bool
}

// Role distinguishes the two ends of a call. It fixes which candidate
// direction is written versus watched and never changes mid-call.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAnswerer  Role = "answerer"
)

// Session owns exactly one peer connection and its local media for the
// lifetime of one call attempt. It is created by Dial or Answer and torn
// down exactly once, on End, on a terminal record update, or on a fatal
// transport failure.
type Session struct {
	deps Deps
	log  *zap.Logger

	callID    string
	role      Role
	outDir    signal.Direction
	peer      Identity
	video     bool
	startedAt time.Time

	mu            sync.Mutex
	stream        *media.Stream
	transport     rtc.Transport
	remoteApplied bool
	pending       []signal.Candidate
	cancels       []func()
	ended         bool

	evMu     sync.Mutex
	events   chan Event
	evClosed bool
}

// Dial starts an outgoing call: acquires local media, creates the call
// record with status "calling", writes the offer, and begins watching for
// the answer and the callee's candidates. ICE candidates trickle out as
// they are discovered; call setup never waits for gathering to finish.
func Dial(ctx context.Context, deps Deps, p CallParams) (*Session, error) {
	stream, err := deps.Devices.GetUserMedia(ctx, p.Video)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}

	s := &Session{
		deps:      deps,
		role:      RoleInitiator,
		outDir:    signal.FromCaller,
		peer:      p.Recipient,
		video:     p.Video,
		startedAt: time.Now().UTC(),
		stream:    stream,
		events:    make(chan Event, 64),
	}

	transport, err := deps.Transports.NewTransport()
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	s.transport = transport

	for _, tr := range stream.Tracks() {
		if err := transport.AddTrack(tr); err != nil {
			s.finish(ctx, EndFailed, false)
			return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		}
	}

	id, err := deps.Mailbox.CreateCall(ctx, signal.CallRecord{
		CallerID:     p.Caller.ID,
		CallerName:   p.Caller.Name,
		CallerAvatar: p.Caller.Avatar,
		CalleeID:     p.Recipient.ID,
		CalleeName:   p.Recipient.Name,
		CalleeAvatar: p.Recipient.Avatar,
		Video:        p.Video,
		Status:       signal.StatusCalling,
	})
	if err != nil {
		s.finish(ctx, EndFailed, false)
		return nil, fmt.Errorf("%w: create call record: %v", ErrSignalingWrite, err)
	}
	s.callID = id
	s.log = deps.Logger.With(zap.String("call", id), zap.String("role", string(s.role)))

	s.wireTransport()

	offer, err := transport.CreateOffer()
	if err != nil {
		s.finish(ctx, EndFailed, true)
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if err := transport.SetLocalDescription(offer); err != nil {
		s.finish(ctx, EndFailed, true)
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	// The record exists but the offer is not in it yet. If this write
	// fails the record is marked ended defensively so the callee never
	// sees a permanently half-initialized call.
	if err := deps.Mailbox.UpdateCall(ctx, id, signal.CallPatch{Offer: &offer}); err != nil {
		s.finish(ctx, EndFailed, true)
		return nil, fmt.Errorf("%w: write offer: %v", ErrSignalingWrite, err)
	}

	if err := s.watchSignaling(ctx); err != nil {
		s.finish(ctx, EndFailed, true)
		return nil, err
	}

	s.log.Info("call started", zap.String("callee", p.Recipient.ID), zap.Bool("video", p.Video))
	s.emit(Event{Kind: EventLocalStream, Stream: stream})
	return s, nil
}

// Answer accepts an incoming call: reads the record, acquires media matching
// the call's video flag, applies the stored offer, and writes the answer
// with status "connected". A missing, terminal, or already answered record
// yields ErrCallNotFound.
func Answer(ctx context.Context, deps Deps, callID string) (*Session, error) {
	rec, err := deps.Mailbox.GetCall(ctx, callID)
	if err == signal.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalingRead, err)
	}
	if rec.Status != signal.StatusCalling {
		return nil, fmt.Errorf("%w: call %s is %s", ErrCallNotFound, callID, rec.Status)
	}
	if rec.Offer == nil {
		return nil, fmt.Errorf("%w: call %s has no offer yet", ErrCallNotFound, callID)
	}

	stream, err := deps.Devices.GetUserMedia(ctx, rec.Video)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}

	s := &Session{
		deps:   deps,
		log:    deps.Logger.With(zap.String("call", callID), zap.String("role", string(RoleAnswerer))),
		callID: callID,
		role:   RoleAnswerer,
		outDir: signal.FromCallee,
		peer: Identity{
			ID:     rec.CallerID,
			Name:   rec.CallerName,
			Avatar: rec.CallerAvatar,
		},
		video:     rec.Video,
		startedAt: time.Now().UTC(),
		stream:    stream,
		events:    make(chan Event, 64),
	}

	transport, err := deps.Transports.NewTransport()
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	s.transport = transport

	for _, tr := range stream.Tracks() {
		if err := transport.AddTrack(tr); err != nil {
			s.finish(ctx, EndFailed, false)
			return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		}
	}

	s.wireTransport()

	s.mu.Lock()
	err = transport.SetRemoteDescription(*rec.Offer)
	if err == nil {
		s.remoteApplied = true
	}
	s.mu.Unlock()
	if err != nil {
		s.finish(ctx, EndFailed, false)
		return nil, fmt.Errorf("%w: apply offer: %v", ErrNegotiationFailed, err)
	}

	answer, err := transport.CreateAnswer()
	if err != nil {
		s.finish(ctx, EndFailed, false)
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if err := transport.SetLocalDescription(answer); err != nil {
		s.finish(ctx, EndFailed, false)
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	connected := signal.StatusConnected
	if err := deps.Mailbox.UpdateCall(ctx, callID, signal.CallPatch{Answer: &answer, Status: &connected}); err != nil {
		s.finish(ctx, EndFailed, true)
		return nil, fmt.Errorf("%w: write answer: %v", ErrSignalingWrite, err)
	}

	if err := s.watchSignaling(ctx); err != nil {
		s.finish(ctx, EndFailed, true)
		return nil, err
	}

	s.log.Info("call answered", zap.String("caller", rec.CallerID), zap.Bool("video", rec.Video))
	s.emit(Event{Kind: EventLocalStream, Stream: stream})
	return s, nil
}

// CallID returns the mailbox record id this session is bound to.
func (s *Session) CallID() string { return s.callID }

// Role returns initiator or answerer.
func (s *Session) Role() Role { return s.role }

// Peer returns the remote participant's identity.
func (s *Session) Peer() Identity { return s.peer }

// Video reports whether this is a video call.
func (s *Session) Video() bool { return s.video }

// Events returns the session's event stream. The channel is closed after
// EventEnded has been delivered.
func (s *Session) Events() <-chan Event { return s.events }

// End hangs up: releases local media, closes the transport, cancels all
// signaling watches, and best-effort marks the record ended. Calling End
// on an already ended session is a no-op.
func (s *Session) End(ctx context.Context) error {
	return s.finish(ctx, EndHangup, true)
}

// ToggleMute flips the local audio track's enabled flag and returns the
// resulting muted state. Returns false when there is no audio track.
func (s *Session) ToggleMute() bool {
	return s.toggleTrack(media.KindAudio)
}

// ToggleVideo flips the local video track's enabled flag and returns the
// resulting disabled state. A stable no-op returning false on audio-only
// calls.
func (s *Session) ToggleVideo() bool {
	return s.toggleTrack(media.KindVideo)
}

func (s *Session) toggleTrack(kind media.Kind) bool {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return false
	}
	tr := stream.Track(kind)
	if tr == nil {
		return false
	}
	tr.SetEnabled(!tr.Enabled())
	return !tr.Enabled()
}

// wireTransport registers the transport callbacks. Must run before any
// description is set so no trickled candidate is missed.
func (s *Session) wireTransport() {
	s.transport.OnLocalCandidate(func(c signal.Candidate) {
		s.mu.Lock()
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return
		}
		if err := s.deps.Mailbox.AppendCandidate(context.Background(), s.callID, s.outDir, c); err != nil {
			metrics.SignalingErrorsTotal.Inc()
			s.log.Warn("append local candidate failed", zap.Error(err))
		}
	})
	s.transport.OnRemoteTrack(func(t media.RemoteTrack) {
		s.emit(Event{Kind: EventRemoteTrack, Track: t})
	})
	s.transport.OnStateChange(func(st rtc.State) {
		s.log.Info("connection state", zap.String("state", string(st)))
		s.emit(Event{Kind: EventConnectionState, State: st})
	})
}

// watchSignaling subscribes to the call record and to the peer's candidate
// sequence. Both watches are cancelled on teardown so stale signaling can
// never be applied after the session ended.
func (s *Session) watchSignaling(ctx context.Context) error {
	cancelRec, err := s.deps.Mailbox.WatchCall(ctx, s.callID, s.onRecordUpdate)
	if err != nil {
		return fmt.Errorf("%w: watch call: %v", ErrSignalingRead, err)
	}
	cancelCand, err := s.deps.Mailbox.WatchCandidates(ctx, s.callID, s.outDir.Opposite(), s.onRemoteCandidate)
	if err != nil {
		cancelRec()
		return fmt.Errorf("%w: watch candidates: %v", ErrSignalingRead, err)
	}

	s.mu.Lock()
	s.cancels = append(s.cancels, cancelRec, cancelCand)
	ended := s.ended
	s.mu.Unlock()
	if ended {
		// Lost the race against a concurrent teardown.
		cancelRec()
		cancelCand()
	}
	return nil
}

// onRecordUpdate handles every snapshot of the call record. Snapshots are
// redundant by design; all reactions here must be idempotent.
func (s *Session) onRecordUpdate(rec signal.CallRecord) {
	if rec.Status.Terminal() {
		reason := EndRemoteHangup
		if rec.Status == signal.StatusRejected {
			reason = EndRejected
		}
		go s.finish(context.Background(), reason, false)
		return
	}

	if s.role == RoleInitiator && rec.Answer != nil {
		if s.applyRemote(*rec.Answer) {
			// Mirror the answerer's status write; harmless if it lost a
			// race with a terminal update (terminal status is sticky).
			connected := signal.StatusConnected
			if err := s.deps.Mailbox.UpdateCall(context.Background(), s.callID, signal.CallPatch{Status: &connected}); err != nil {
				s.log.Warn("mark connected failed", zap.Error(err))
			}
		}
	}
}

// applyRemote sets the remote description exactly once and drains any
// candidates that arrived before it. Returns true when this invocation did
// the apply; duplicate notifications return false.
func (s *Session) applyRemote(sd signal.SessionDescription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteApplied || s.ended {
		return false
	}
	if err := s.transport.SetRemoteDescription(sd); err != nil {
		s.log.Error("apply remote description failed", zap.Error(err))
		go s.finish(context.Background(), EndFailed, true)
		return false
	}
	s.remoteApplied = true
	for _, c := range s.pending {
		if err := s.transport.AddRemoteCandidate(c); err != nil {
			s.log.Warn("apply buffered candidate failed", zap.Error(err))
		}
	}
	s.pending = nil
	return true
}

// onRemoteCandidate forwards a peer candidate to the transport, buffering it
// when the remote description is not set yet.
func (s *Session) onRemoteCandidate(c signal.Candidate) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if !s.remoteApplied {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	transport := s.transport
	s.mu.Unlock()

	if err := transport.AddRemoteCandidate(c); err != nil {
		s.log.Warn("apply remote candidate failed", zap.Error(err))
	}
}

// finish is the single teardown path. Every exit (hangup, rejection,
// remote hangup, transport failure) funnels through here, so local media
// is released exactly once no matter how the call ends.
func (s *Session) finish(ctx context.Context, reason EndReason, writeRecord bool) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	stream := s.stream
	transport := s.transport
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if stream != nil {
		stream.Close()
	}
	if transport != nil {
		if err := transport.Close(); err != nil && s.log != nil {
			s.log.Warn("close transport", zap.Error(err))
		}
	}

	var writeErr error
	if writeRecord && s.callID != "" {
		status := signal.StatusEnded
		now := time.Now().UTC()
		if err := s.deps.Mailbox.UpdateCall(ctx, s.callID, signal.CallPatch{Status: &status, EndedAt: &now}); err != nil {
			// Media is already released; report the write failure but do
			// not abort teardown.
			metrics.SignalingErrorsTotal.Inc()
			writeErr = fmt.Errorf("%w: mark ended: %v", ErrSignalingWrite, err)
		}
	}

	if s.log != nil {
		s.log.Info("call finished",
			zap.String("reason", string(reason)),
			zap.Duration("duration", time.Since(s.startedAt)),
		)
	}
	metrics.CallsEndedTotal.Inc()
	metrics.CallDurationSeconds.Observe(time.Since(s.startedAt).Seconds())

	s.evMu.Lock()
	if !s.evClosed {
		select {
		case s.events <- Event{Kind: EventEnded, Reason: reason}:
		default:
		}
		s.evClosed = true
		close(s.events)
	}
	s.evMu.Unlock()

	return writeErr
}

// emit delivers an event without blocking so transport callbacks can never
// stall on a slow consumer.
func (s *Session) emit(ev Event) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		if s.log != nil {
			s.log.Warn("event dropped", zap.String("kind", string(ev.Kind)))
		}
	}
}
