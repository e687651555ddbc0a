// Package wshub tracks websocket connections by room and session and pushes
// encoded frames to them without ever blocking the caller.
package wshub

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// Client represents a single WebSocket connection. A session may own several
// clients (tabs, reconnect overlap); each belongs to at most one room.
type Client struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte

	mu     sync.Mutex
	roomID string
	closed bool
}

func NewClient(sessionID string, conn *websocket.Conn) *Client {
	return &Client{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
	}
}

func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Enqueue queues msg for the write pump. It drops the message and returns
// false if the buffer is full or the client is closed.
func (c *Client) Enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// WritePump reads from the Send channel and writes to the WebSocket connection.
func (c *Client) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Hub manages per-room WebSocket connections.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	conns int
	log   *zap.Logger

	// OnDrop, if set before use, is called for every frame dropped on a full buffer.
	OnDrop func(n int)
}

// NewHub creates a new Hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		log:   log,
	}
}

// Bind attaches c to roomID, detaching it from any previous room.
func (h *Hub) Bind(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	prev := c.roomID
	c.roomID = roomID
	c.mu.Unlock()

	if prev != "" {
		h.detach(prev, c)
	} else {
		h.conns++
	}
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[*Client]struct{})
		h.rooms[roomID] = set
	}
	set[c] = struct{}{}
}

// Unbind detaches c from its room. It reports the room and whether the
// session still has another client bound there.
func (h *Hub) Unbind(c *Client) (roomID string, sessionStillBound bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	roomID = c.roomID
	c.roomID = ""
	c.mu.Unlock()
	if roomID == "" {
		return "", false
	}
	h.detach(roomID, c)
	h.conns--
	for other := range h.rooms[roomID] {
		if other.SessionID == c.SessionID {
			return roomID, true
		}
	}
	return roomID, false
}

func (h *Hub) detach(roomID string, c *Client) {
	set := h.rooms[roomID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.rooms, roomID)
	}
}

// UnbindSession detaches every client of sessionID from roomID and returns
// how many were bound.
func (h *Hub) UnbindSession(roomID, sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.rooms[roomID] {
		if c.SessionID != sessionID {
			continue
		}
		c.mu.Lock()
		c.roomID = ""
		c.mu.Unlock()
		h.detach(roomID, c)
		h.conns--
		n++
	}
	return n
}

// DropRoom unbinds every client of roomID, e.g. after the room closed.
func (h *Hub) DropRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[roomID] {
		c.mu.Lock()
		if c.roomID == roomID {
			c.roomID = ""
		}
		c.mu.Unlock()
		h.conns--
	}
	delete(h.rooms, roomID)
}

// Broadcast sends msg to every client in roomID. Non-blocking: drops if channel full.
func (h *Hub) Broadcast(roomID string, msg []byte) int {
	return h.send(roomID, func(*Client) bool { return true }, msg)
}

// SendToSession sends msg to every client of sessionID in roomID.
func (h *Hub) SendToSession(roomID, sessionID string, msg []byte) int {
	return h.send(roomID, func(c *Client) bool { return c.SessionID == sessionID }, msg)
}

// SendToSessions sends msg to the clients of any of the given sessions.
func (h *Hub) SendToSessions(roomID string, sessionIDs []string, msg []byte) int {
	want := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		want[id] = struct{}{}
	}
	return h.send(roomID, func(c *Client) bool {
		_, ok := want[c.SessionID]
		return ok
	}, msg)
}

func (h *Hub) send(roomID string, match func(*Client) bool, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.rooms[roomID] {
		if !match(c) {
			continue
		}
		if c.Enqueue(msg) {
			sent++
			continue
		}
		h.log.Debug("dropped frame for slow client",
			zap.String("room", roomID), zap.String("session", c.SessionID))
		if h.OnDrop != nil {
			h.OnDrop(1)
		}
	}
	return sent
}

// SessionBound reports whether sessionID has a client bound to roomID.
func (h *Hub) SessionBound(roomID, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if c.SessionID == sessionID {
			return true
		}
	}
	return false
}

// Bound returns the number of clients bound to any room.
func (h *Hub) Bound() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns
}
