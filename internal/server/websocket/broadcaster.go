// Package websocket pushes monitor events to connected dashboard clients.
//
// Each client owns a buffered channel of encoded frames. Publish never blocks:
// when a client's buffer is full the frame is dropped for that client and its
// Dropped counter is incremented, so a stalled browser tab cannot hold up the
// poll loop.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wargotik/wargot-ha-addons/internal/events"
)

// Message is the JSON envelope sent to browser clients.
type Message struct {
	Type string       `json:"type"`
	Data events.Event `json:"data"`
}

// Client is one registered connection. It is valid until Unregister.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Send delivers encoded frames. It is closed on Unregister or Close.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans events out to registered clients. It implements
// events.Sink and is safe for concurrent use.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	bufSize int
	logger  *slog.Logger
}

// NewBroadcaster creates a Broadcaster. bufSize <= 0 defaults to 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients: make(map[string]*Client),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register adds a client under id. After Close it returns a client whose
// Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	if old, ok := b.clients[id]; ok {
		close(old.send)
	}
	b.clients[id] = c
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids
// are ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish encodes e and hands it to every client without blocking.
func (b *Broadcaster) Publish(e events.Event) {
	raw, err := json.Marshal(Message{Type: string(e.Kind), Data: e})
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, c := range b.clients {
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("kind", string(e.Kind)),
			)
		}
	}
}

// Close unregisters every client. Later Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
}
