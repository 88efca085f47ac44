package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Timing constants for WebSocket connection upkeep.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	publishBufferSize = 256
	sendBufferSize    = 256
)

// envelope is the wire format for every published event.
type envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// message is an envelope queued for delivery, optionally targeted at one user.
type message struct {
	userID  int64 // 0 means broadcast
	payload []byte
}

// Hub manages WebSocket connections and fan-out. It implements Bus.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]bool
	publish chan message
	done    chan struct{}
}

// Conn represents one WebSocket connection belonging to an authenticated user.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID int64
}

// NewHub creates a new WebSocket hub. Call Run in a goroutine to start fan-out.
func NewHub() *Hub {
	return &Hub{
		conns:   make(map[*Conn]bool),
		publish: make(chan message, publishBufferSize),
		done:    make(chan struct{}),
	}
}

// Run starts the hub's fan-out loop. It returns when Close is called.
func (h *Hub) Run() {
	for {
		select {
		case msg := <-h.publish:
			h.deliver(msg)
		case <-h.done:
			return
		}
	}
}

// Close stops the fan-out loop and disconnects all clients.
func (h *Hub) Close() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		close(conn.send)
		delete(h.conns, conn)
	}
}

func (h *Hub) deliver(msg message) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		if msg.userID == 0 || conn.userID == msg.userID {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		select {
		case conn.send <- msg.payload:
		default:
			// Slow client; drop it rather than block the hub.
			h.unregister(conn)
		}
	}
}

// Emit broadcasts an event to every connected client.
func (h *Hub) Emit(event string, payload interface{}) {
	h.emit(0, event, payload)
}

// EmitTo sends an event to all sessions of a single user.
func (h *Hub) EmitTo(userID int64, event string, payload interface{}) {
	h.emit(userID, event, payload)
}

func (h *Hub) emit(userID int64, event string, payload interface{}) {
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		slog.Error("Hub failed to marshal event", "error", err, "event", event)
		return
	}
	select {
	case h.publish <- message{userID: userID, payload: data}:
	default:
		slog.Warn("Hub publish channel full, dropping event", "event", event)
	}
}

func (h *Hub) register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
	slog.Debug("Hub registered connection", "userID", conn.userID, "total", len(h.conns))
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		close(conn.send)
		slog.Debug("Hub unregistered connection", "userID", conn.userID, "total", len(h.conns))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from a separate origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades an HTTP request to a WebSocket connection for the given
// (already authenticated) user and starts its read/write pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, userID int64) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	conn := &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		hub:    h,
		userID: userID,
	}
	h.register(conn)
	go conn.writePump()
	go conn.readPump()
}

// readPump discards client frames; it exists to process control messages and
// detect disconnects.
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("WebSocket read error", "error", err, "userID", c.userID)
			}
			return
		}
	}
}

// writePump forwards queued events to the client and keeps the connection
// alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
