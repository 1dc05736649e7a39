// Package hub is the server side of a livesocket channel: it keeps the websocket connections of
// logged-in users and fans messages out to them.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("hub closed")

const (
	DefaultSendBuffer   = 256
	DefaultWriteTimeout = 10 * time.Second
)

// Conn is the part of *websocket.Conn the hub needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Broadcaster delivers messages to the hubs of every node. Implementations relay what they receive
// to LocalBroadcast.
type Broadcaster interface {
	Publish(ctx context.Context, userID int, msg []byte) error
}

// Client is one registered connection.
type Client struct {
	ID     string
	UserID int

	hub  *Hub
	conn Conn
	send chan []byte
}

// Hub owns registered clients. Every client gets a buffered send queue drained by its own writer
// goroutine; a client that cannot keep up is dropped.
type Hub struct {
	sendBuffer   int
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu          sync.Mutex
	clients     map[*Client]struct{}
	broadcaster Broadcaster
	closed      bool

	upgrader websocket.Upgrader
}

type Option func(*Hub)

func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

func WithBroadcaster(b Broadcaster) Option {
	return func(h *Hub) {
		h.broadcaster = b
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		sendBuffer:   DefaultSendBuffer,
		writeTimeout: DefaultWriteTimeout,
		logger:       log.With().Str("component", "hub").Logger(),
		clients:      map[*Client]struct{}{},
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetBroadcaster switches Broadcast to cross-node delivery. Passing nil restores local delivery.
func (h *Hub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = b
}

// Register adds conn for userID and starts its reader and writer goroutines.
func (h *Hub) Register(conn Conn, userID int) (*Client, error) {
	if conn == nil {
		return nil, errors.New("connection is nil")
	}
	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Str("client_id", c.ID).Int("user_id", userID).Msg("client registered")
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Unregister removes c. Its writer closes the connection once the queue is drained.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	removed := h.removeLocked(c)
	h.mu.Unlock()
	if removed {
		h.logger.Debug().Str("client_id", c.ID).Int("user_id", c.UserID).Msg("client unregistered")
	}
}

func (h *Hub) removeLocked(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	return true
}

// Broadcast sends msg to userID's clients (every client when userID <= 0), through the broadcaster
// when one is set.
func (h *Hub) Broadcast(ctx context.Context, userID int, msg []byte) error {
	h.mu.Lock()
	b := h.broadcaster
	h.mu.Unlock()
	if b != nil {
		return errors.Wrap(b.Publish(ctx, userID, msg), "publish broadcast")
	}
	h.LocalBroadcast(userID, msg)
	return nil
}

// LocalBroadcast delivers msg to clients connected to this hub only.
func (h *Hub) LocalBroadcast(userID int, msg []byte) {
	if len(msg) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if userID > 0 && c.UserID != userID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Error().
				Str("client_id", c.ID).
				Int("user_id", c.UserID).
				Msg("client send buffer is full, dropping connection")
			h.removeLocked(c)
			_ = c.conn.Close()
		}
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close unregisters every client and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) enqueue(c *Client, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.removeLocked(c)
		_ = c.conn.Close()
	}
}

func (c *Client) writeLoop() {
	defer func() {
		_ = c.conn.Close()
	}()
	for msg := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout)); err != nil {
			c.hub.logger.Warn().Err(err).Str("client_id", c.ID).Msg("set write deadline failed")
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.hub.logger.Warn().Err(err).Str("client_id", c.ID).Msg("ws write failed, dropping connection")
			c.hub.Unregister(c)
			return
		}
	}
}

var pongMessage = []byte(`{"type":"pong"}`)

func (c *Client) readLoop() {
	defer c.hub.Unregister(c)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.hub.logger.Debug().Err(err).Str("client_id", c.ID).Msg("ws read loop end")
			return
		}
		if mt == websocket.TextMessage && isPing(data) {
			c.hub.enqueue(c, pongMessage)
		}
	}
}
