package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	// sendQueue is how many messages a client may lag behind before it is
	// dropped.
	sendQueue = 16
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster fans JSON messages out to connected websocket clients. Each
// client has its own writer, so a slow connection never holds up the others.
type Broadcaster struct {
	clients  map[*client]struct{}
	mu       sync.Mutex
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewBroadcaster(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      log,
	}
}

// Broadcast queues v for every client. Clients with a full queue are dropped.
func (b *Broadcaster) Broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		b.log.Error("marshal broadcast", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- msg:
		default:
			b.log.Warn("websocket client too slow, dropping")
			delete(b.clients, c)
			close(c.send)
		}
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Handler upgrades the request and registers the connection. The optional
// hello message is queued ahead of any broadcast the client will see.
func (b *Broadcaster) Handler(hello func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.Warn("websocket upgrade failed", "error", err)
			return
		}

		c := &client{conn: conn, send: make(chan []byte, sendQueue)}
		b.mu.Lock()
		if hello != nil {
			if msg, err := json.Marshal(hello()); err == nil {
				c.send <- msg
			}
		}
		b.clients[c] = struct{}{}
		b.mu.Unlock()

		go b.writeLoop(c)

		// Reads only detect disconnects; clients send nothing meaningful.
		go func() {
			defer b.remove(c)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func (b *Broadcaster) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.log.Debug("websocket write failed", "remote", c.conn.RemoteAddr().String(), "error", err)
			b.remove(c)
			return
		}
	}
}

// remove unregisters c and stops its writer. Safe to call more than once.
func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// Close disconnects every client once its queued messages are written.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}
