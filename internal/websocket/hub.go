// Package websocket pushes licensing state changes to connected clients.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"licensectl/internal/license"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// Message is the wire envelope pushed to clients.
type Message struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Change    license.Change `json:"change"`
}

// Hub maintains the set of connected clients and broadcasts licensing state
// changes to them. The last change is replayed to newly connected clients so
// they never start blind.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	pingPeriod time.Duration
	pongWait   time.Duration

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	quit       chan struct{}

	mu      sync.Mutex
	clients map[*client]bool
	last    []byte
	running bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Options configures hub buffer sizes and keepalive timing.
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingPeriod      time.Duration
	PongWait        time.Duration
}

// NewHub creates a hub; Start must be called before serving connections.
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 30 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}

	return &Hub{
		logger: logger.With(slog.String("component", "websocket.hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingPeriod: opts.PingPeriod,
		pongWait:   opts.PongWait,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 16),
		quit:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Start runs the hub loop until Stop.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop shuts the hub down and closes all client connections.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
}

// BroadcastChange pushes one licensing state change to every connected
// client.
func (h *Hub) BroadcastChange(change license.Change) {
	msg := Message{
		Type:      "licensing_state",
		Timestamp: time.Now().UTC(),
		Change:    change,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal state change", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	h.last = data
	h.mu.Unlock()

	select {
	case h.broadcast <- data:
	case <-h.quit:
	}
}

// ServeHTTP upgrades the connection and attaches it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}

	// Replay the last known state so the client starts synchronized.
	h.mu.Lock()
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()

	select {
	case h.register <- c:
	case <-h.quit:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			h.logger.Info("hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", slog.Int("clients", count))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", slog.Int("clients", count))

		case data := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow client, drop it rather than block the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	// Inbound messages are discarded; the stream is push-only.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
