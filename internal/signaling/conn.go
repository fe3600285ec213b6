package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/varta-chat/varta-server/internal/matchmaking"
	"github.com/varta-chat/varta-server/internal/metrics"
)

const wsWriteWait = 5 * time.Second

// wsConn is the matchmaking.Sender for one socket. Only writePump writes to
// the socket.
type wsConn struct {
	id      matchmaking.ConnID
	ws      *websocket.Conn
	out     chan []byte
	done    chan struct{}
	flushed chan struct{}

	pingInterval time.Duration

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	log     *slog.Logger
	metrics *metrics.Metrics
}

func newWSConn(id matchmaking.ConnID, ws *websocket.Conn, queueLen int, pingInterval time.Duration, log *slog.Logger, m *metrics.Metrics) *wsConn {
	if queueLen <= 0 {
		queueLen = 1
	}
	return &wsConn{
		id:           id,
		ws:           ws,
		out:          make(chan []byte, queueLen),
		done:         make(chan struct{}),
		flushed:      make(chan struct{}),
		pingInterval: pingInterval,
		log:          log,
		metrics:      m,
	}
}

// Send queues ev without blocking. A full queue closes the connection, which
// the read loop then reports as an abrupt departure.
func (c *wsConn) Send(ev matchmaking.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("encode event failed", "conn_id", c.id, "type", ev.Type, "err", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- b:
	case <-c.done:
	default:
		c.metrics.Inc(metrics.SendQueueOverflow)
		c.log.Warn("send queue full; closing connection", "conn_id", c.id, "type", ev.Type)
		c.shutdown(websocket.CloseTryAgainLater, "send queue overflow")
	}
}

// shutdown asks writePump to send a close frame and drop the socket. Only the
// first call's code and reason are used.
func (c *wsConn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *wsConn) writePump() {
	defer close(c.flushed)

	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", "conn_id", c.id, "err", err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				_ = c.ws.Close()
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.log.Debug("ping failed", "conn_id", c.id, "err", err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			c.drain()
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(wsWriteWait))
			}
			_ = c.ws.Close()
			return
		}
	}
}

// drain flushes already-queued events so a client closed by the server still
// sees what preceded the close. Overflow closes skip this.
func (c *wsConn) drain() {
	if c.closeCode == websocket.CloseTryAgainLater {
		return
	}
	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// wait blocks until writePump has closed the socket.
func (c *wsConn) wait() {
	<-c.flushed
}
