package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

// Hub is the Sender for websocket connections terminated by this process.
// Ids that are not attached here are reported gone, so a Hub only suits a
// single node; fleets behind a load balancer use API Gateway instead.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]*Client
	writeTimeout time.Duration
	log          *logger.Logger
}

// NewHub creates an empty hub. writeTimeout bounds every frame write.
func NewHub(writeTimeout time.Duration, log *logger.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		clients:      make(map[string]*Client),
		writeTimeout: writeTimeout,
		log:          log,
	}
}

// Client is one attached websocket.
type Client struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	// sem serialises writers; gorilla allows one concurrent writer.
	sem       chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Attach registers conn under id, replacing and closing any previous client
// with the same id.
func (h *Hub) Attach(id string, conn *websocket.Conn) *Client {
	c := &Client{
		id:           id,
		conn:         conn,
		writeTimeout: h.writeTimeout,
		sem:          make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.clients[id]
	h.clients[id] = c
	h.mu.Unlock()

	if prev != nil {
		h.log.Warn("Replacing attached websocket", "connection_id", id)
		prev.Close(websocket.ClosePolicyViolation, "replaced")
	}
	return c
}

// Detach removes c if it is still the client registered under its id.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
}

// Get returns the client attached under id.
func (h *Hub) Get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Len returns the number of attached clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send writes payload as a text frame to the client attached under id.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) error {
	c, ok := h.Get(connectionID)
	if !ok {
		return Gone(connectionID, errors.New("not attached"))
	}

	err := c.Write(ctx, payload)
	if IsGone(err) {
		h.Detach(c)
	}
	return err
}

// Disconnect detaches and closes the client attached under id, if any. It
// matches the signature of connection.WithEvictHook so a record that leaves
// the active set also loses its socket, prompting the client to reconnect.
func (h *Hub) Disconnect(id, reason string) {
	c, ok := h.Get(id)
	if !ok {
		return
	}
	h.Detach(c)
	c.Close(websocket.CloseGoingAway, reason)
	h.log.Info("Closed evicted websocket", "connection_id", id, "reason", reason)
}

// CloseAll closes every attached client with a going-away frame.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Write sends a text frame. Waiting for another writer is transient; a failed
// write leaves the socket unusable, so it closes the client and is reported gone.
func (c *Client) Write(ctx context.Context, payload []byte) error {
	select {
	case c.sem <- struct{}{}:
	case <-c.done:
		return Gone(c.id, websocket.ErrCloseSent)
	case <-ctx.Done():
		return Transient("waiting for websocket writer", ctx.Err())
	}
	defer func() { <-c.sem }()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.Close(websocket.CloseInternalServerErr, "")
		return Gone(c.id, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.Close(websocket.CloseInternalServerErr, "")
		return Gone(c.id, err)
	}
	return nil
}

// Ping sends a ping control frame.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame with code and reason and closes the socket.
// Safe to call more than once.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		close(c.done)
	})
}
