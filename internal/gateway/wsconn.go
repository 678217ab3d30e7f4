package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marinoas/legal-crm-sub002/internal/wire"
)

// ErrSendBufferFull reports a consumer that cannot keep up with its outbound
// queue. The connection is force-closed rather than allowed to stall the
// event loop.
var ErrSendBufferFull = errors.New("gateway: send buffer full")

// wsConn owns one websocket after the auth handshake. Writes go through a
// buffered channel drained by a single write pump, since gorilla websockets
// allow only one concurrent writer.
type wsConn struct {
	ws      *websocket.Conn
	send    chan wire.Outbound
	done    chan struct{}
	once    sync.Once
	writeTO time.Duration
}

func newWSConn(ws *websocket.Conn, buffer int, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		ws:      ws,
		send:    make(chan wire.Outbound, buffer),
		done:    make(chan struct{}),
		writeTO: writeTimeout,
	}
}

// Send queues one frame. A full buffer evicts the connection: the client is
// too slow and buffering further would grow without bound.
func (c *wsConn) Send(msg wire.Outbound) error {
	select {
	case <-c.done:
		return errors.New("gateway: connection closed")
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.Close()
		return ErrSendBufferFull
	}
}

// Close tears the socket down after a best-effort going-away frame.
// Idempotent; safe from any goroutine.
func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
	})
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. Runs until Close or a write error.
func (c *wsConn) writePump(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTO))
			if err := c.ws.WriteJSON(msg); err != nil {
				slog.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTO))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client frames until the socket dies, handing each to the
// sink. The pong handler keeps extending the read deadline.
func (c *wsConn) readPump(maxMessageSize int64, pongTimeout time.Duration, sink func(data []byte)) {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Websocket read failed", "error", err)
			}
			return
		}
		sink(data)
	}
}
