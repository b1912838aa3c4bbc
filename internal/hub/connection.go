package hub

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 2 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueDepth = 64
)

// connection is one subscribed WebSocket client. Its outgoing queue is
// bounded and lossy: if the consumer can't keep up, the oldest queued
// message is dropped in favor of the newest, per spec.md §4.H's
// back-pressure rule. The bounded-channel-with-drop-on-overflow shape
// is the teacher's internal/application/worker.go pattern, repurposed
// here as the per-connection send queue rather than a shared worker
// pool input.
type connection struct {
	conn      *websocket.Conn
	symbol    string
	timeframe int
	kind      subscriptionKind
	levels    int

	send chan []byte

	// lastPongUnixNano is written from readPump's goroutine and read
	// from the hub's cleanup sweep; atomic access avoids a lock for a
	// single int64.
	lastPongUnixNano atomic.Int64
}

func newConnection(conn *websocket.Conn, symbol string, timeframe int, kind subscriptionKind, levels int) *connection {
	c := &connection{
		conn:      conn,
		symbol:    symbol,
		timeframe: timeframe,
		kind:      kind,
		levels:    levels,
		send:      make(chan []byte, sendQueueDepth),
	}
	c.markAlive()
	return c
}

func (c *connection) markAlive() {
	c.lastPongUnixNano.Store(time.Now().UnixNano())
}

func (c *connection) lastPong() time.Time {
	return time.Unix(0, c.lastPongUnixNano.Load())
}

// enqueue pushes payload onto the connection's send queue, dropping the
// oldest queued message if it's full rather than blocking the caller.
func (c *connection) enqueue(payload []byte) {
	select {
	case c.send <- payload:
		return
	default:
	}

	select {
	case <-c.send:
	default:
	}

	select {
	case c.send <- payload:
	default:
	}
}

// writePump drains the send queue to the socket until the queue is
// closed. A send error marks the connection for removal with no
// retry: closing the socket here unblocks readPump's ReadMessage,
// which runs the single unregister path through its onClose callback.
func (c *connection) writePump() {
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			slog.Debug("websocket write failed", "symbol", c.symbol, "error", err)
			c.conn.Close()
			return
		}
	}
}

// clientMessage is the only inbound shape a connection can send: a
// liveness pong. Anything else is ignored.
type clientMessage struct {
	Type string `json:"type"`
}

// readPump blocks reading frames until the connection errors or
// closes, updating lastPong on every {"type":"pong"} message. onClose
// is invoked exactly once when the pump exits.
func (c *connection) readPump(onClose func()) {
	defer func() {
		onClose()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == "pong" {
			c.markAlive()
		}
	}
}
