package signal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Mailbox. It backs unit tests and the relay daemon.
// Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	calls    map[string]*callEntry
	incoming map[*subscriber]string // subscriber -> calleeID
}

type callEntry struct {
	record     CallRecord
	candidates map[Direction][]Candidate
	watchers   map[*subscriber]struct{}
	candWatch  map[Direction]map[*subscriber]struct{}
}

// NewMemory creates an empty in-memory mailbox.
func NewMemory() *Memory {
	return &Memory{
		calls:    make(map[string]*callEntry),
		incoming: make(map[*subscriber]string),
	}
}

func (m *Memory) CreateCall(_ context.Context, rec CallRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusCalling
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[rec.ID] = &callEntry{
		record:     rec,
		candidates: make(map[Direction][]Candidate),
		watchers:   make(map[*subscriber]struct{}),
		candWatch:  make(map[Direction]map[*subscriber]struct{}),
	}

	if rec.Status == StatusCalling {
		for sub, callee := range m.incoming {
			if callee == rec.CalleeID {
				sub.push(rec)
			}
		}
	}
	return rec.ID, nil
}

func (m *Memory) GetCall(_ context.Context, id string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.calls[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return e.record, nil
}

func (m *Memory) UpdateCall(_ context.Context, id string, patch CallPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	patch.apply(&e.record)
	for sub := range e.watchers {
		sub.push(e.record)
	}
	return nil
}

func (m *Memory) AppendCandidate(_ context.Context, id string, dir Direction, c Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	e.candidates[dir] = append(e.candidates[dir], c)
	for sub := range e.candWatch[dir] {
		sub.push(c)
	}
	return nil
}

func (m *Memory) WatchCall(_ context.Context, id string, fn func(CallRecord)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}

	sub := newSubscriber(func(v any) { fn(v.(CallRecord)) })
	e.watchers[sub] = struct{}{}
	sub.push(e.record)

	return func() {
		m.mu.Lock()
		delete(e.watchers, sub)
		m.mu.Unlock()
		sub.stop()
	}, nil
}

func (m *Memory) WatchCandidates(_ context.Context, id string, dir Direction, fn func(Candidate)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}

	sub := newSubscriber(func(v any) { fn(v.(Candidate)) })
	if e.candWatch[dir] == nil {
		e.candWatch[dir] = make(map[*subscriber]struct{})
	}
	e.candWatch[dir][sub] = struct{}{}
	for _, c := range e.candidates[dir] {
		sub.push(c)
	}

	return func() {
		m.mu.Lock()
		delete(e.candWatch[dir], sub)
		m.mu.Unlock()
		sub.stop()
	}, nil
}

func (m *Memory) WatchIncoming(_ context.Context, calleeID string, fn func(CallRecord)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber(func(v any) { fn(v.(CallRecord)) })
	m.incoming[sub] = calleeID
	for _, e := range m.calls {
		if e.record.CalleeID == calleeID && e.record.Status == StatusCalling {
			sub.push(e.record)
		}
	}

	return func() {
		m.mu.Lock()
		delete(m.incoming, sub)
		m.mu.Unlock()
		sub.stop()
	}, nil
}

// subscriber delivers values to a callback from a dedicated goroutine, in
// push order. The queue is unbounded so push never blocks while the mailbox
// lock is held, and callbacks are free to call back into the mailbox.
type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []any
	stopped bool
}

func newSubscriber(fn func(any)) *subscriber {
	s := &subscriber{}
	s.cond = sync.NewCond(&s.mu)
	go s.run(fn)
	return s
}

func (s *subscriber) push(v any) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run(fn func(any)) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn(v)
	}
}
