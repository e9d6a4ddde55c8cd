package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peerdial/peerdial/internal/signal"
)

// ErrClosed is returned by operations on a closed relay connection.
var ErrClosed = errors.New("relay connection closed")

// Client mounts a relay server's mailbox over one websocket connection. It
// implements signal.Mailbox; watch callbacks run sequentially on a single
// dispatch goroutine and may call back into the client.
type Client struct {
	ws  *websocket.Conn
	log *zap.Logger

	writeMu sync.Mutex

	nextReq   atomic.Uint64
	nextWatch atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Frame
	subs    map[string]func(json.RawMessage)
	closed  bool

	done   chan struct{}
	events *eventQueue
}

// Dial connects to a relay server's /ws endpoint.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		log:     log,
		pending: map[string]chan Frame{},
		subs:    map[string]func(json.RawMessage){},
		done:    make(chan struct{}),
		events:  newEventQueue(),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// Close tears the connection down. In-flight requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = map[string]chan Frame{}
	c.subs = map[string]func(json.RawMessage){}
	c.mu.Unlock()

	close(c.done)
	c.events.stop()
	for _, ch := range pending {
		close(ch)
	}

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Client) readLoop() {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			alreadyClosed := c.closed
			c.mu.Unlock()
			if !alreadyClosed {
				c.log.Warn("relay connection lost", zap.Error(err))
				c.Close()
			}
			return
		}
		switch f.Op {
		case OpResp:
			c.mu.Lock()
			ch, ok := c.pending[f.Ref]
			delete(c.pending, f.Ref)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case OpEvent:
			c.events.push(f)
		}
	}
}

// dispatchLoop delivers watch events in arrival order. Running it apart
// from readLoop lets a callback issue requests without deadlocking on its
// own response.
func (c *Client) dispatchLoop() {
	for {
		f, ok := c.events.pop()
		if !ok {
			return
		}
		c.mu.Lock()
		fn := c.subs[f.Watch]
		c.mu.Unlock()
		if fn != nil {
			fn(f.D)
		}
	}
}

// call performs one request and waits for its response frame.
func (c *Client) call(ctx context.Context, op, watch string, d any) (Frame, error) {
	id := fmt.Sprintf("r%d", c.nextReq.Add(1))
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	f := Frame{Op: op, ID: id, Watch: watch}
	if d != nil {
		f.D = marshal(d)
	}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("write %s: %w", op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		if resp.Error != "" {
			return Frame{}, apiError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, ErrClosed
	}
}

func apiError(code string) error {
	switch code {
	case ErrCodeNotFound:
		return signal.ErrNotFound
	default:
		return fmt.Errorf("relay error: %s", code)
	}
}

func (c *Client) CreateCall(ctx context.Context, rec signal.CallRecord) (string, error) {
	resp, err := c.call(ctx, OpCreate, "", createReq{Record: rec})
	if err != nil {
		return "", err
	}
	var out createResp
	if err := json.Unmarshal(resp.D, &out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	return out.ID, nil
}

func (c *Client) GetCall(ctx context.Context, id string) (signal.CallRecord, error) {
	resp, err := c.call(ctx, OpGet, "", getReq{ID: id})
	if err != nil {
		return signal.CallRecord{}, err
	}
	var rec signal.CallRecord
	if err := json.Unmarshal(resp.D, &rec); err != nil {
		return signal.CallRecord{}, fmt.Errorf("decode call record: %w", err)
	}
	return rec, nil
}

func (c *Client) UpdateCall(ctx context.Context, id string, patch signal.CallPatch) error {
	_, err := c.call(ctx, OpUpdate, "", updateReq{ID: id, Patch: patch})
	return err
}

func (c *Client) AppendCandidate(ctx context.Context, id string, dir signal.Direction, cand signal.Candidate) error {
	_, err := c.call(ctx, OpCandidate, "", candidateReq{ID: id, Direction: dir, Candidate: cand})
	return err
}

func (c *Client) WatchCall(ctx context.Context, id string, fn func(signal.CallRecord)) (func(), error) {
	return c.watch(ctx, OpWatchCall, watchCallReq{ID: id}, func(d json.RawMessage) {
		var rec signal.CallRecord
		if err := json.Unmarshal(d, &rec); err != nil {
			c.log.Warn("bad call event payload", zap.Error(err))
			return
		}
		fn(rec)
	})
}

func (c *Client) WatchCandidates(ctx context.Context, id string, dir signal.Direction, fn func(signal.Candidate)) (func(), error) {
	return c.watch(ctx, OpWatchCandidates, watchCandidatesReq{ID: id, Direction: dir}, func(d json.RawMessage) {
		var cand signal.Candidate
		if err := json.Unmarshal(d, &cand); err != nil {
			c.log.Warn("bad candidate event payload", zap.Error(err))
			return
		}
		fn(cand)
	})
}

func (c *Client) WatchIncoming(ctx context.Context, calleeID string, fn func(signal.CallRecord)) (func(), error) {
	return c.watch(ctx, OpWatchIncoming, watchIncomingReq{CalleeID: calleeID}, func(d json.RawMessage) {
		var rec signal.CallRecord
		if err := json.Unmarshal(d, &rec); err != nil {
			c.log.Warn("bad incoming event payload", zap.Error(err))
			return
		}
		fn(rec)
	})
}

// watch registers the local dispatch entry before sending the request so an
// event raced ahead of the response is never lost.
func (c *Client) watch(ctx context.Context, op string, req any, fn func(json.RawMessage)) (func(), error) {
	watchID := fmt.Sprintf("w%d", c.nextWatch.Add(1))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[watchID] = fn
	c.mu.Unlock()

	if _, err := c.call(ctx, op, watchID, req); err != nil {
		c.mu.Lock()
		delete(c.subs, watchID)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, watchID)
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			unwatchCtx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelCtx()
			if _, err := c.call(unwatchCtx, OpUnwatch, watchID, nil); err != nil && !errors.Is(err, ErrClosed) {
				c.log.Warn("unwatch failed", zap.String("watch", watchID), zap.Error(err))
			}
		})
	}
	return cancel, nil
}

// eventQueue is an unbounded FIFO between readLoop and dispatchLoop. Pushes
// never block, so a slow callback cannot back the websocket read up into
// the server.
type eventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []Frame
	stopped bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(f Frame) {
	q.mu.Lock()
	if !q.stopped {
		q.items = append(q.items, f)
	}
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *eventQueue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return Frame{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *eventQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
