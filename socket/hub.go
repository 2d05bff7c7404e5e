// Package socket fans session events out to websocket observers. Each
// session id is a room; delivery is best-effort and dropped messages are
// not retried.
package socket

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tabcast/tabcast/log"
)

// Event names emitted to rooms.
const (
	EventAvailableTabs  = "available-tabs"
	EventTabSwitched    = "tab-switched"
	EventSessionCleanup = "session-cleanup"
)

// TabInfo is the wire form of one tab.
type TabInfo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// Envelope wraps every emitted event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type availableTabs struct {
	SessionID   string    `json:"session_id"`
	Tabs        []TabInfo `json:"tabs"`
	ActiveTabID string    `json:"active_tab_id"`
}

type tabSwitched struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
}

type sessionCleanup struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

// Hub tracks rooms of websocket clients keyed by session id.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and joins the client to the room named by
// the session_id query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("session_id")
	if room == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("socket", "upgrade failed: %s", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	h.join(room, c)

	go h.writeLoop(room, c)
	go h.readLoop(room, c)
}

func (h *Hub) join(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

func (h *Hub) leave(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[room]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
		}
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) writeLoop(room string, c *client) {
	for buf := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			break
		}
	}
	h.leave(room, c)
	_ = c.conn.Close()
}

// readLoop discards inbound messages; it exists to detect disconnects.
func (h *Hub) readLoop(room string, c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.leave(room, c)
	_ = c.conn.Close()
}

// RoomSize returns the number of clients in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// EmitTabList broadcasts the session's tab list.
func (h *Hub) EmitTabList(sessionID string, tabs []TabInfo, activeTabID string) {
	if tabs == nil {
		tabs = []TabInfo{}
	}
	h.broadcast(sessionID, EventAvailableTabs, availableTabs{
		SessionID:   sessionID,
		Tabs:        tabs,
		ActiveTabID: activeTabID,
	})
}

// EmitTabSwitched broadcasts a stream switch to a new tab.
func (h *Hub) EmitTabSwitched(sessionID string, tab TabInfo) {
	h.broadcast(sessionID, EventTabSwitched, tabSwitched{
		SessionID: sessionID,
		TabID:     tab.ID,
		URL:       tab.URL,
		Title:     tab.Title,
	})
}

// EmitSessionCleanup broadcasts the terminal session event.
func (h *Hub) EmitSessionCleanup(sessionID, reason, message string) {
	h.broadcast(sessionID, EventSessionCleanup, sessionCleanup{
		SessionID: sessionID,
		Reason:    reason,
		Message:   message,
	})
}

func (h *Hub) broadcast(room, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Errorf("socket", "marshaling %s: %s", event, err)
		return
	}
	buf, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		h.logger.Errorf("socket", "marshaling %s envelope: %s", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- buf:
		default:
			// Slow client; drop.
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, clients := range h.rooms {
		for c := range clients {
			close(c.send)
			_ = c.conn.Close()
		}
		delete(h.rooms, room)
	}
}
