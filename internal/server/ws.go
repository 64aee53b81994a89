package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/CK6170/loadstone-relay/models"
	"github.com/gorilla/websocket"
)

const closeWait = time.Second

// WSClient wraps a websocket connection with a per-connection write mutex.
// Gorilla WebSocket requires that writes are not concurrent on the same Conn.
type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{conn: conn}
}

// Send writes v as a JSON text message.
func (c *WSClient) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// SendBinary writes p as one binary message.
func (c *WSClient) SendBinary(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

// ReadMessage reads the next message. Only one goroutine may read.
func (c *WSClient) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// SendOutput sends device output verbatim as a binary message.
func (c *WSClient) SendOutput(p []byte) error { return c.SendBinary(p) }

// SendEvent sends a structured event as JSON.
func (c *WSClient) SendEvent(ev models.Event) error { return c.Send(ev) }

// Close sends a close frame with code and reason, then closes the socket.
func (c *WSClient) Close(code int, reason string) {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWait))
	c.mu.Unlock()
	_ = c.conn.Close()
}

// WSHub is a lightweight broadcast hub for a set of WebSocket clients.
//
// The relay is local and single-user, so a simple in-memory hub is enough.
// Broadcast marshals once per message and fans out the raw bytes.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// NewWSHub constructs an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*WSClient]struct{})}
}

// Add registers a connection with the hub and returns the WSClient wrapper.
func (h *WSHub) Add(conn *websocket.Conn) *WSClient {
	c := NewWSClient(conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Remove unregisters a client and closes its connection.
func (h *WSHub) Remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Len is the number of registered clients.
func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
//
// Failures are ignored; the read loop in handleWSEvents notices disconnects
// and removes the client.
func (h *WSHub) Broadcast(msg models.Event) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, b)
		c.mu.Unlock()
	}
}
