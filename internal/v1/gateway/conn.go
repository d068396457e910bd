package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftcall/server/internal/v1/types"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent connection is allowed to live.
	pongWait = 60 * time.Second
	// pingPeriod must be comfortably shorter than pongWait.
	pingPeriod = 25 * time.Second
	// maxMessageSize caps inbound frames; signaling payloads are small.
	maxMessageSize = 64 * 1024
	// sendQueueSize bounds the outbound queue per connection.
	sendQueueSize = 64
)

// wsConnection is the slice of *websocket.Conn the pumps rely on. Tests
// substitute in-memory fakes.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn owns one client's WebSocket and its bounded outbound queue. It
// satisfies the session controller's transport interface: Send never
// blocks, Close may be called from any goroutine, repeatedly.
type Conn struct {
	id   types.ClientIdType
	ws   wsConnection
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id types.ClientIdType, ws wsConnection) *Conn {
	return &Conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Send enqueues an outbound frame. False when the connection is closing or
// the queue is full; the caller decides what a drop means for its frame.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close starts connection teardown: the write pump drains what is already
// queued, sends a close frame, and closes the socket, which in turn ends
// the read pump.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump serializes all writes to the socket: queued frames, keepalive
// pings, and the final close frame. It is the connection's only writer.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush anything already queued before saying goodbye.
			for {
				select {
				case message := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
