package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgesyte/forgesyte/logger"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer (4MB: base64 frames)
	maxMessageSize = 4 * 1024 * 1024

	// Outbound buffer per client before it is considered unresponsive
	sendBufferSize = 32
)

// socketClient owns the write side of one WebSocket connection: all
// outbound messages funnel through its buffered channel into a single
// write pump, so concurrent senders never interleave writes.
type socketClient struct {
	conn      *websocket.Conn
	send      chan any
	id        string
	closeOnce sync.Once
	done      chan struct{}
}

var _ Sink = (*socketClient)(nil)

// newSocketClient wraps a connection and starts its write pump.
func newSocketClient(conn *websocket.Conn, id string) *socketClient {
	c := &socketClient{
		conn: conn,
		send: make(chan any, sendBufferSize),
		id:   id,
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// TrySend queues a message without blocking. A full buffer means the
// client is not keeping up.
func (c *socketClient) TrySend(message any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// close shuts the write pump down exactly once.
func (c *socketClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with periodic pings.
func (c *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				logger.Debugw("WebSocket write failed",
					logger.FieldClientID, c.id,
					logger.FieldError, err,
				)
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
