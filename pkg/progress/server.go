package progress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/keel/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ServerConfig configures the websocket progress server.
type ServerConfig struct {
	Addr         string
	SharedSecret string
	// WriteTimeout bounds a single client write. Defaults to 5s.
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Message is the wire form of a broadcast event.
type Message struct {
	Type      string `json:"type"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Event     Event  `json:"event"`
}

type client struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	mu sync.Mutex
}

func (c *client) write(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server broadcasts progress events to websocket clients and serves /metrics and /healthz.
type Server struct {
	addr         string
	sharedSecret string
	writeTimeout time.Duration
	logger       zerolog.Logger
	upgrader     websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*client
	server   *http.Server
	listener net.Listener
	closed   bool

	seq uint64
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	observability.EnsureRegistered()
	return &Server{
		addr:         cfg.Addr,
		sharedSecret: cfg.SharedSecret,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger.With().Str("component", "progress").Logger(),
		clients:      make(map[string]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting progress server")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Progress server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	srv := s.server
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown progress server: %w", err)
	}
	s.logger.Info().Msg("Progress server stopped")
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Notify broadcasts ev to every client. Slow or broken clients are dropped.
func (s *Server) Notify(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	msg := Message{
		Type:      "event",
		Seq:       int64(atomic.AddUint64(&s.seq, 1)),
		Timestamp: ev.Time.UnixMilli(),
		Event:     ev,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to marshal event")
		return
	}

	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data, s.writeTimeout); err != nil {
			s.logger.Warn().
				Err(err).
				Str("client_id", c.id).
				Str("kind", string(ev.Kind)).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			s.remove(c)
		}
	}
}

func (s *Server) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.sharedSecret)) == 1
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id, _ := gonanoid.New()
	c := &client{id: id, conn: conn, connectedAt: time.Now()}

	s.mu.Lock()
	s.clients[id] = c
	count := len(s.clients)
	s.mu.Unlock()
	observability.SetProgressClients(count)

	s.logger.Info().
		Str("client_id", id).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.readLoop(c)
}

// readLoop drains client frames so close and ping control messages are handled.
func (s *Server) readLoop(c *client) {
	defer s.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket error")
			}
			return
		}
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	count := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}
	c.conn.Close()
	observability.SetProgressClients(count)
	s.logger.Info().Str("client_id", c.id).Msg("Client disconnected")
}
