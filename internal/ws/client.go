package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chat-realtime/internal/models"
)

// Client is one authenticated websocket connection.
type Client struct {
	info    ConnInfo
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	// rooms is guarded by the owning Hub's lock.
	rooms map[string]struct{}

	closeOnce sync.Once
}

// NewClient builds a client with an outbound queue of size queue.
// conn may be nil in tests; the queue can then be drained with Outbound.
func NewClient(conn *websocket.Conn, info ConnInfo, queue int, limiter *rate.Limiter) *Client {
	if queue <= 0 {
		queue = 64
	}
	return &Client{
		info:    info,
		conn:    conn,
		send:    make(chan []byte, queue),
		done:    make(chan struct{}),
		limiter: limiter,
		rooms:   make(map[string]struct{}),
	}
}

// Info returns the connection identity.
func (c *Client) Info() ConnInfo { return c.info }

// Outbound exposes the queued frames.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Send queues one event for this connection only.
func (c *Client) Send(event models.Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	return c.enqueue(payload)
}

// Done is closed once the connection has been unregistered.
func (c *Client) Done() <-chan struct{} { return c.done }

// enqueue never blocks: a full queue drops the frame, and so does a client
// that has been unregistered. send itself is never closed.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
