// Package dashboard serves live sync status for a field device.
//
// The server broadcasts drain cycles, reachability transitions and outbox
// depth to connected WebSocket clients, and exposes /health and the
// Prometheus /metrics endpoint for supervisors and scrapers.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/outbox"
	"github.com/anaemia-care/fieldsync/internal/reachability"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus is sent to each client on connect.
	MessageTypeStatus MessageType = "status"

	// MessageTypeSyncCycle carries a finished drain cycle.
	MessageTypeSyncCycle MessageType = "sync_cycle"

	// MessageTypeReachability carries a connectivity transition.
	MessageTypeReachability MessageType = "reachability"

	// MessageTypeOutbox carries updated queue statistics.
	MessageTypeOutbox MessageType = "outbox"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Health is the /health body and the connect-time status message.
type Health struct {
	Status   string        `json:"status"`
	Online   bool          `json:"online"`
	Pending  int           `json:"pending"`
	Outbox   *outbox.Stats `json:"outbox,omitempty"`
	Draining bool          `json:"draining"`
	Clients  int           `json:"clients"`
}

// StateSource reports reachability.
type StateSource interface {
	CurrentState(ctx context.Context) (reachability.State, error)
}

// StatsSource reports outbox statistics.
type StatsSource interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

// DrainState reports whether a drain is running.
type DrainState interface {
	Draining() bool
}

// Deps are the status sources. Any may be nil.
type Deps struct {
	Monitor  StateSource
	Outbox   StatsSource
	Engine   DrainState
	Gatherer prometheus.Gatherer
}

// Config holds server configuration
type Config struct {
	// Addr to listen on; ":0" picks a free port.
	Addr string
}

// DefaultConfig returns the default listen address.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8787"}
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	deps     Deps
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewServer creates a dashboard server. logger may be nil.
func NewServer(config Config, deps Deps, logger *zap.Logger) *Server {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      config.Addr,
		deps:      deps,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("dashboard"),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebSocket)
	r.Get("/", s.handleRoot)
	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast queues msg for all connected clients. It never blocks; messages
// are dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast queue full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// Publish marshals data into a message of the given type and broadcasts it.
func (s *Server) Publish(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now().UTC(), Data: raw})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("dropping client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", zap.Int("clients", clientCount))

	welcome, _ := json.Marshal(s.health(r.Context()))
	data, _ := json.Marshal(Message{Type: MessageTypeStatus, Timestamp: time.Now().UTC(), Data: welcome})
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, data)
	cancel()

	s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away. Client
// messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("client disconnected", zap.Int("clients", clientCount))
	}
}

func (s *Server) health(ctx context.Context) Health {
	h := Health{Status: "ok", Clients: s.ClientCount()}
	if s.deps.Monitor != nil {
		if state, err := s.deps.Monitor.CurrentState(ctx); err == nil {
			h.Online = state.Online()
		}
	}
	if s.deps.Outbox != nil {
		if stats, err := s.deps.Outbox.Stats(ctx); err == nil {
			h.Pending = stats.Pending
			h.Outbox = &stats
		} else {
			h.Status = "degraded"
		}
	}
	if s.deps.Engine != nil {
		h.Draining = s.deps.Engine.Draining()
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.health(r.Context()))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>fieldsync</title>
</head>
<body>
    <h1>fieldsync status</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
