// stream.go is the dashboard's WebSocket fan-out. The hub keeps a short
// replay ring of recent events so a client connecting mid-session sees the
// last fills and cycle transitions immediately instead of a blank feed, and
// each client may subscribe to a subset of event types (?events=fill,cycle)
// — a PnL widget has no use for book updates.
//
// Delivery here is deliberately lossy, the opposite of the strategy event
// path: dashboards are spectators, and a slow browser must never be allowed
// to back-pressure anything.
package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// replayDepth is how many recent events a fresh client is caught up with.
const replayDepth = 64

// frame is one serialized event plus its type tag for filtering.
type frame struct {
	eventType string
	data      []byte
}

// Hub manages WebSocket clients and broadcasts dashboard events to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan frame

	mu     sync.RWMutex
	recent []frame // ring of the latest events, replayed to new clients

	logger *slog.Logger
}

// Client is one connected dashboard. kinds is the event-type filter; empty
// means everything.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	kinds map[string]bool
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan frame, 256),
		logger:     logger.With("component", "ws-hub"),
	}
}

// wants reports whether the client's filter admits an event type. Snapshots
// always pass: every widget needs the baseline state.
func (c *Client) wants(eventType string) bool {
	if len(c.kinds) == 0 || eventType == "snapshot" {
		return true
	}
	return c.kinds[eventType]
}

// Run starts the hub's main loop (call in a goroutine).
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			replay := make([]frame, len(h.recent))
			copy(replay, h.recent)
			h.mu.Unlock()

			// Catch the newcomer up on recent history, oldest first.
			for _, f := range replay {
				if !client.wants(f.eventType) {
					continue
				}
				select {
				case client.send <- f.data:
				default:
				}
			}
			h.logger.Info("client connected", "count", len(h.clients), "replayed", len(replay))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "count", len(h.clients))

		case f := <-h.broadcast:
			h.mu.Lock()
			h.recent = append(h.recent, f)
			if len(h.recent) > replayDepth {
				h.recent = h.recent[len(h.recent)-replayDepth:]
			}
			for client := range h.clients {
				if !client.wants(f.eventType) {
					continue
				}
				select {
				case client.send <- f.data:
				default:
					// Client can't keep up; drop it rather than stall.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastEvent sends an event to all connected clients whose filter
// admits its type.
func (h *Hub) BroadcastEvent(evt DashboardEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	select {
	case h.broadcast <- frame{eventType: evt.Type, data: data}:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", evt.Type)
	}
}

// BroadcastSnapshot sends a full dashboard snapshot to all clients.
func (h *Hub) BroadcastSnapshot(snapshot DashboardSnapshot) {
	h.BroadcastEvent(DashboardEvent{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Data:      snapshot,
	})
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump drains the connection so pongs are processed and disconnects are
// noticed. The dashboard is read-only; client payloads are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
	}
}

// NewClient creates a WebSocket client with the given event-type filter
// (nil or empty = all events) and starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn, eventTypes []string) *Client {
	var kinds map[string]bool
	if len(eventTypes) > 0 {
		kinds = make(map[string]bool, len(eventTypes))
		for _, k := range eventTypes {
			kinds[k] = true
		}
	}

	client := &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, 256),
		kinds: kinds,
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}
