package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/peerdial/peerdial/internal/history"
	"github.com/peerdial/peerdial/internal/metrics"
	"github.com/peerdial/peerdial/internal/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// outboundDepth bounds queued frames per connection. A peer that stops
	// reading gets disconnected instead of backing up the mailbox.
	outboundDepth = 256
)

// ServerOptions tune the relay server. The zero value is usable.
type ServerOptions struct {
	// History, when non-nil, records every terminal call for the /history
	// endpoint.
	History *history.Store
	// AllowedOrigins configures CORS and websocket origin checks.
	// Defaults to allowing everything.
	AllowedOrigins []string
}

// Server hosts the authoritative mailbox behind a websocket endpoint plus a
// small HTTP surface: /healthz, /metrics, and /history.
type Server struct {
	mailbox  signal.Mailbox
	store    *history.Store
	log      *zap.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer builds a relay around the given mailbox.
func NewServer(mailbox signal.Mailbox, log *zap.Logger, opts ServerOptions) *Server {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		mailbox: mailbox,
		store:   opts.History,
		log:     log,
		conns:   map[*conn]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if origins[0] == "*" {
					return true
				}
				o := r.Header.Get("Origin")
				for _, allowed := range origins {
					if o == allowed {
						return true
					}
				}
				return o == ""
			},
		},
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)
	r.Get("/history", s.handleHistory)
	s.router = r
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var (
		entries []history.Entry
		err     error
	)
	if user := r.URL.Query().Get("user"); user != "" {
		entries, err = s.store.ForUser(r.Context(), user, limit)
	} else {
		entries, err = s.store.Recent(r.Context(), limit)
	}
	if err != nil {
		s.log.Error("history query failed", zap.Error(err))
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		server:   s,
		ws:       ws,
		log:      s.log.With(zap.String("remote", ws.RemoteAddr().String())),
		outbound: make(chan Frame, outboundDepth),
		done:     make(chan struct{}),
		watches:  map[string]func(){},
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	metrics.RelayConnections.Inc()
	c.log.Info("peer connected")

	go c.writePump()
	go c.readPump()
}

// recordHistory persists a terminal call snapshot, when history is enabled.
func (s *Server) recordHistory(ctx context.Context, callID string) {
	if s.store == nil {
		return
	}
	rec, err := s.mailbox.GetCall(ctx, callID)
	if err != nil {
		return
	}
	if !rec.Status.Terminal() {
		return
	}
	if err := s.store.Record(ctx, rec); err != nil {
		s.log.Warn("record call history", zap.String("call", callID), zap.Error(err))
	}
}

// conn is one websocket client. All writes go through outbound and the
// writePump; readPump handles requests sequentially in arrival order.
type conn struct {
	server   *Server
	ws       *websocket.Conn
	log      *zap.Logger
	outbound chan Frame

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	watches map[string]func()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()

		c.mu.Lock()
		watches := c.watches
		c.watches = map[string]func(){}
		c.mu.Unlock()
		for _, cancel := range watches {
			cancel()
		}
		metrics.RelayWatches.Sub(float64(len(watches)))

		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
		metrics.RelayConnections.Dec()
		c.log.Info("peer disconnected")
	})
}

// send queues a frame, disconnecting the peer when its queue is full.
func (c *conn) send(f Frame) {
	select {
	case c.outbound <- f:
	case <-c.done:
	default:
		c.log.Warn("outbound queue full, dropping connection")
		c.close()
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(1 << 20)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		metrics.RelayFramesTotal.WithLabelValues(f.Op).Inc()
		c.handle(f)
	}
}

func (c *conn) respond(ref string, d json.RawMessage) {
	c.send(Frame{Op: OpResp, Ref: ref, D: d})
}

func (c *conn) respondErr(ref, code string) {
	metrics.RelayErrorsTotal.Inc()
	c.send(Frame{Op: OpResp, Ref: ref, Error: code})
}

func (c *conn) handle(f Frame) {
	ctx := context.Background()
	switch f.Op {
	case OpCreate:
		var req createReq
		if err := json.Unmarshal(f.D, &req); err != nil {
			c.respondErr(f.ID, ErrCodeBadRequest)
			return
		}
		id, err := c.server.mailbox.CreateCall(ctx, req.Record)
		if err != nil {
			c.respondErr(f.ID, ErrCodeInternal)
			return
		}
		c.respond(f.ID, marshal(createResp{ID: id}))

	case OpGet:
		var req getReq
		if err := json.Unmarshal(f.D, &req); err != nil {
			c.respondErr(f.ID, ErrCodeBadRequest)
			return
		}
		rec, err := c.server.mailbox.GetCall(ctx, req.ID)
		if err == signal.ErrNotFound {
			c.respondErr(f.ID, ErrCodeNotFound)
			return
		}
		if err != nil {
			c.respondErr(f.ID, ErrCodeInternal)
			return
		}
		c.respond(f.ID, marshal(rec))

	case OpUpdate:
		var req updateReq
		if err := json.Unmarshal(f.D, &req); err != nil {
			c.respondErr(f.ID, ErrCodeBadRequest)
			return
		}
		if err := c.server.mailbox.UpdateCall(ctx, req.ID, req.Patch); err != nil {
			if err == signal.ErrNotFound {
				c.respondErr(f.ID, ErrCodeNotFound)
			} else {
				c.respondErr(f.ID, ErrCodeInternal)
			}
			return
		}
		if req.Patch.Status != nil && req.Patch.Status.Terminal() {
			c.server.recordHistory(ctx, req.ID)
		}
		c.respond(f.ID, nil)

	case OpCandidate:
		var req candidateReq
		if err := json.Unmarshal(f.D, &req); err != nil {
			c.respondErr(f.ID, ErrCodeBadRequest)
			return
		}
		if err := c.server.mailbox.AppendCandidate(ctx, req.ID, req.Direction, req.Candidate); err != nil {
			if err == signal.ErrNotFound {
				c.respondErr(f.ID, ErrCodeNotFound)
			} else {
				c.respondErr(f.ID, ErrCodeInternal)
			}
			return
		}
		c.respond(f.ID, nil)

	case OpWatchCall:
		var req watchCallReq
		if err := json.Unmarshal(f.D, &req); err != nil || f.Watch == "" {
			c.respondErr(f.ID, ErrCodeBadRequest)
			return
		}
		watch := f.Watch
		cancel, err := c.server.mailbox.WatchCall(ctx, req.ID, func(rec signal.CallRecord) {
			c.send(Frame{Op: OpEvent, Watch: watch, D: marshal(rec)})
		})
		c.finishWatch(f.ID, watch, cancel, err)

	case OpWatchCandidates:
		var req watchCandidatesReq
		if err := json.Unmarshal(f.D, &req); err != nil || f.Watch == "" {
			c.respondErr(f.ID, ErrCodeBadRequest)
			return
		}
		watch := f.Watch
		cancel, err := c.server.mailbox.WatchCandidates(ctx, req.ID, req.Direction, func(cand signal.Candidate) {
			c.send(Frame{Op: OpEvent, Watch: watch, D: marshal(cand)})
		})
		c.finishWatch(f.ID, watch, cancel, err)

	case OpWatchIncoming:
		var req watchIncomingReq
		if err := json.Unmarshal(f.D, &req); err != nil || f.Watch == "" {
			c.respondErr(f.ID, ErrCodeBadRequest)
			return
		}
		watch := f.Watch
		cancel, err := c.server.mailbox.WatchIncoming(ctx, req.CalleeID, func(rec signal.CallRecord) {
			c.send(Frame{Op: OpEvent, Watch: watch, D: marshal(rec)})
		})
		c.finishWatch(f.ID, watch, cancel, err)

	case OpUnwatch:
		c.mu.Lock()
		cancel, ok := c.watches[f.Watch]
		delete(c.watches, f.Watch)
		c.mu.Unlock()
		if ok {
			cancel()
			metrics.RelayWatches.Dec()
		}
		c.respond(f.ID, nil)

	default:
		c.respondErr(f.ID, ErrCodeBadRequest)
	}
}

func (c *conn) finishWatch(ref, watch string, cancel func(), err error) {
	if err != nil {
		if err == signal.ErrNotFound {
			c.respondErr(ref, ErrCodeNotFound)
		} else {
			c.respondErr(ref, ErrCodeInternal)
		}
		return
	}
	c.mu.Lock()
	if old, ok := c.watches[watch]; ok {
		old()
	} else {
		metrics.RelayWatches.Inc()
	}
	c.watches[watch] = cancel
	c.mu.Unlock()
	c.respond(ref, nil)
}
