// Package wsobserver broadcasts mounted-cell updates to websocket clients:
// a register/unregister/broadcast channel loop guarding a client set,
// indexed by mount path, since a seamless mount observer only ever needs
// "who is watching this cell".
package wsobserver

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// CellEvent is what gets broadcast to clients subscribed to a mounted cell.
type CellEvent struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	OnlyText bool   `json:"only_text"`
}

// Client wraps one websocket connection and the mount paths it subscribes to.
type Client struct {
	conn  *websocket.Conn
	send  chan CellEvent
	paths map[string]bool
	mu    sync.RWMutex
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn, send: make(chan CellEvent, 64), paths: make(map[string]bool)}
}

// Subscribe adds path to the set of mount paths this client receives updates for.
func (c *Client) Subscribe(path string) {
	c.mu.Lock()
	c.paths[path] = true
	c.mu.Unlock()
}

func (c *Client) wants(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paths[path]
}

// writeLoop drains c.send to the underlying connection until it's closed.
// Call it in its own goroutine after Hub.Register.
func (c *Client) writeLoop() {
	for evt := range c.send {
		if err := c.conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

// Hub fans mounted-cell updates out to subscribed clients.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan CellEvent
	clients    map[*Client]bool
	logger     zerolog.Logger
	mu         sync.RWMutex
}

// NewHub returns a Hub; call Run in a goroutine to start its event loop.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan CellEvent, 256),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

// Register adds conn as a client and starts its write loop.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := newClient(conn)
	h.register <- c
	go c.writeLoop()
	return c
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Broadcast queues evt for delivery to every client subscribed to evt.Path.
func (h *Hub) Broadcast(evt CellEvent) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn().Str("path", evt.Path).Msg("wsobserver: broadcast channel full, dropping event")
	}
}

// Run processes register/unregister/broadcast in an endless loop with no
// shutdown path; call it in its own goroutine for the lifetime of the process.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case evt := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(evt.Path) {
					continue
				}
				select {
				case c.send <- evt:
				default:
					h.logger.Warn().Str("path", evt.Path).Msg("wsobserver: client buffer full, dropping event")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount reports how many clients are currently registered.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
