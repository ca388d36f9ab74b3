package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// MessageType tags a websocket frame.
type MessageType string

const (
	// MessageTypeHello is sent once to every new client
	MessageTypeHello MessageType = "hello"

	// MessageTypeEvent wraps a SyncEvent
	MessageTypeEvent MessageType = "sync_event"
)

// Message is the frame written to websocket clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloData describes the server to a newly connected client.
type HelloData struct {
	Clients int                 `json:"clients"`
	Dropped uint64              `json:"dropped"`
	Types   []schema.EntityType `json:"types,omitempty"`
}

// clientBuffer is the bus subscription size of each websocket client.
const clientBuffer = 64

// watcher is one connected websocket client with its own bus subscription.
type watcher struct {
	conn   *websocket.Conn
	events <-chan SyncEvent
	cancel func()
}

// Server relays bus events to websocket clients and serves /health and
// /metrics alongside.
//
// Every client subscribes to the bus on its own, optionally narrowed with
// ?type=task&type=expense, so a slow client only loses its own events.
type Server struct {
	addr         string
	bus          *Bus
	metrics      http.Handler
	writeTimeout time.Duration
	logger       *log.Logger

	listener net.Listener
	http     *http.Server

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerConfig holds server settings.
type ServerConfig struct {
	// Addr to listen on (default: 127.0.0.1:7420). Port 0 picks a free port.
	Addr string

	// Metrics is served on /metrics when set
	Metrics http.Handler

	// WriteTimeout bounds one frame write (default: 5s)
	WriteTimeout time.Duration

	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         "127.0.0.1:7420",
		WriteTimeout: 5 * time.Second,
		Logger:       log.Default(),
	}
}

// NewServer creates a server relaying events published on bus.
func NewServer(bus *Bus, config *ServerConfig) *Server {
	defaults := DefaultServerConfig()
	if config == nil {
		config = defaults
	}
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:         config.Addr,
		bus:          bus,
		metrics:      config.Metrics,
		writeTimeout: config.WriteTimeout,
		logger:       config.Logger,
		watchers:     make(map[*watcher]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWatch)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Event server listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("WARNING: event server: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e := s.http.Shutdown(ctx); e != nil {
			err = fmt.Errorf("failed to shut down event server: %w", e)
		}
	}
	s.wg.Wait()
	s.logger.Println("Event server stopped")
	return err
}

// handleWatch upgrades the request and streams events until the client
// leaves or the server stops.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var types []schema.EntityType
	for _, raw := range r.URL.Query()["type"] {
		t, err := schema.ParseEntityType(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		types = append(types, t)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	events, unsubscribe := s.bus.Subscribe(clientBuffer, types...)
	wt := &watcher{conn: conn, events: events, cancel: unsubscribe}
	clients, ok := s.register(wt)
	if !ok {
		unsubscribe()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()
	defer s.unregister(wt)

	hello, _ := json.Marshal(HelloData{Clients: clients, Dropped: s.bus.Dropped(), Types: types})
	if err := s.write(wt, Message{Type: MessageTypeHello, Timestamp: time.Now(), Data: hello}); err != nil {
		return
	}

	// Client frames are discarded; ctx ends when the client goes away.
	ctx := conn.CloseRead(s.ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("WARNING: failed to encode event: %v", err)
				continue
			}
			if err := s.write(wt, Message{Type: MessageTypeEvent, Timestamp: ev.At, Data: data}); err != nil {
				s.logger.Printf("WARNING: dropping client: %v", err)
				return
			}
		}
	}
}

func (s *Server) write(wt *watcher, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	return wt.conn.Write(ctx, websocket.MessageText, data)
}

// register adds wt and returns the new client count. It refuses once the
// server is stopping.
func (s *Server) register(wt *watcher) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, false
	}
	s.watchers[wt] = struct{}{}
	s.wg.Add(1)
	s.logger.Printf("Client connected (total: %d)", len(s.watchers))
	return len(s.watchers), true
}

func (s *Server) unregister(wt *watcher) {
	wt.cancel()
	_ = wt.conn.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	delete(s.watchers, wt)
	n := len(s.watchers)
	s.mu.Unlock()
	s.logger.Printf("Client disconnected (total: %d)", n)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
		"dropped": s.bus.Dropped(),
	})
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}
