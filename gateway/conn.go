package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	readWait   = 60 * time.Second

	maxFrameSize = 1 << 16
)

// wsConn wraps a websocket and serializes outbound writes through a
// buffered channel. Safe for concurrent use.
type wsConn struct {
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	flushed chan struct{}
	started bool
	once    sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:      ws,
		send:    make(chan []byte, 128),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

// start launches the write loop. Call exactly once.
func (c *wsConn) start() {
	c.started = true
	go c.writeLoop()
}

// Send enqueues a payload for delivery. If the client is slow and the
// buffer fills, the connection is closed to keep backpressure bounded;
// every push carries full state, so a reconnecting client loses
// nothing.
func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		go c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// Close flushes queued frames, sends a close frame and tears the
// connection down. Idempotent.
func (c *wsConn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		if c.started {
			select {
			case <-c.flushed:
			case <-time.After(writeWait):
			}
		}
		// WriteControl is safe alongside the write loop.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer close(c.flushed)

	for {
		select {
		case <-c.done:
			c.drain()
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

// drain writes out whatever was queued before Close.
func (c *wsConn) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
