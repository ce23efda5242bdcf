package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// frameSink is the outbound half of a connection as seen by the session
// and the dispatcher. Implementations must never block: enqueue either
// accepts the frame immediately or reports overflow.
type frameSink interface {
	enqueue(data []byte) error
	close(code int, reason string)
	remoteAddr() string
}

// wsConn owns the write side of a websocket connection. All outbound
// frames pass through a bounded queue drained by a single write pump,
// so concurrent dispatchers never interleave writes and a slow client
// surfaces as queue overflow instead of a stalled fan-out.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	closeMsg []byte
}

func newWSConn(ws *websocket.Conn, queueSize int) *wsConn {
	c := &wsConn{
		ws:   ws,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// enqueue hands a marshaled frame to the write pump. Returns
// ErrSendQueueFull when the bounded queue is at capacity and
// ErrConnClosed after close.
func (c *wsConn) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// close requests connection teardown. Frames already queued are flushed
// before the close frame goes out. Safe to call from any goroutine,
// repeatedly.
func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeMsg = websocket.FormatCloseMessage(code, reason)
	c.mu.Unlock()

	close(c.done)
}

func (c *wsConn) remoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// writePump drains the send queue onto the wire. It is the only
// goroutine that writes to the websocket.
func (c *wsConn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			// Flush what was queued before the close was requested, then
			// perform the close handshake.
			for {
				select {
				case data := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(time.Second))
					if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					c.ws.WriteControl(websocket.CloseMessage, c.closeMsg, time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}
