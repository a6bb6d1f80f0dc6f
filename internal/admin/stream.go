package admin

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one notification pushed to admin websocket subscribers:
// dispatch outcomes, worker lifecycle transitions, and pool occupancy
// changes.
type Event struct {
	Type        string    `json:"type"` // "dispatch", "worker_spawned", "worker_recycled", "pool_drain"
	PluginID    string    `json:"pluginId,omitempty"`
	ExecutionID string    `json:"executionId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Streamer runs the websocket hub backing the admin API's live event
// feed: one goroutine owns the client set and fans out broadcasts,
// avoiding locking around the actual socket writes.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewStreamer creates a Streamer. Call Run in its own goroutine before
// serving HandleWebSocket.
func NewStreamer(logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run drives the hub loop until stop is closed.
func (s *Streamer) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			s.mu.Lock()
			for client := range s.clients {
				client.Close()
			}
			s.clients = make(map[*websocket.Conn]bool)
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()
			s.logger.Debug("admin: websocket client connected", "total", len(s.clients))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			s.mu.Unlock()
			s.logger.Debug("admin: websocket client disconnected", "total", len(s.clients))

		case event := <-s.broadcast:
			s.mu.RLock()
			for client := range s.clients {
				if err := client.WriteJSON(event); err != nil {
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.RUnlock()
		}
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("admin: websocket upgrade failed", "error", err)
		return
	}

	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast stamps event's timestamp and queues it for delivery. It never
// blocks the caller: a full queue means a slow consumer, not a reason to
// stall a dispatch.
func (s *Streamer) Broadcast(event Event) {
	event.Timestamp = time.Now()
	select {
	case s.broadcast <- event:
	default:
		s.logger.Warn("admin: broadcast queue full, dropping event", "type", event.Type)
	}
}

// ClientCount returns the number of currently connected admin clients.
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
