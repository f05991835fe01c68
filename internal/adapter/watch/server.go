// Package watch serves a live WebSocket feed of a run's events so UIs can
// render normalized entries as they are produced.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"pi-executor/internal/domain"
	"pi-executor/internal/infra/middleware"
)

// FrameType identifies the kind of frame sent to clients.
type FrameType string

const (
	FrameTypeEvent FrameType = "event"
)

// Frame is the envelope written to WebSocket clients.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const clientQueue = 256

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	ws        *websocket.Conn
	runID     string // empty = every run
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server forwards every bus event to connected clients. Clients may pass
// ?run_id= to receive a single run's events.
type Server struct {
	bus     domain.EventBus
	addr    string
	logger  *slog.Logger
	clients sync.Map // connID (uint64) -> *clientConn
	nextID  atomic.Uint64

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
	unsubAll  func()

	limit *middleware.RateLimitConfig
}

// Option configures a Server.
type Option func(*Server)

// WithUpgradeLimit caps WebSocket upgrades per client IP.
func WithUpgradeLimit(perMinute, burst int) Option {
	return func(s *Server) {
		if perMinute > 0 && burst > 0 {
			s.limit = &middleware.RateLimitConfig{PerMinute: perMinute, Burst: burst}
		}
	}
}

// NewServer creates a watch server listening on addr.
func NewServer(bus domain.EventBus, addr string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{bus: bus, addr: addr, logger: logger, ready: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start accepts WebSocket connections on /ws. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var upgrade http.Handler = http.HandlerFunc(s.handleUpgrade)
	if s.limit != nil {
		upgrade = middleware.RateLimit(ctx, *s.limit)(upgrade)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.SecurityHeaders(upgrade))

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("watch listen: %w", err)
	}

	unsub := s.bus.SubscribeAll(s.broadcast)

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.unsubAll = unsub
	srv := s.httpSrv
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("watch server started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("watch serve: %w", err)
	}
	return nil
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop disconnects clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub, srv := s.unsubAll, s.httpSrv
	s.unsubAll = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

func (s *Server) broadcast(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		if cc.runID != "" && cc.runID != event.RunID {
			return true
		}
		select {
		case cc.sendCh <- frame:
		case <-cc.done:
		default:
			// Entry patches are order dependent, so a client that falls
			// behind is disconnected rather than silently skipped.
			s.logger.Warn("watch: disconnecting slow client", "conn_id", key)
			cc.close()
		}
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		runID:  r.URL.Query().Get("run_id"),
		sendCh: make(chan Frame, clientQueue),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("watch client connected", "conn_id", connID, "run_id", cc.runID)

	go s.writeLoop(cc)

	// Clients only listen; reading keeps control frames flowing and
	// notices disconnects.
	ctx := ws.CloseRead(r.Context())
	select {
	case <-ctx.Done():
	case <-cc.done:
	}

	cc.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("watch client disconnected", "conn_id", connID)
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.close()
				return
			}
		}
	}
}

func (s *Server) clientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool { n++; return true })
	return n
}
