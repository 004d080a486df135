package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomcast/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// WSConn writes the frames of one sink to a websocket. Only WriteLoop writes
// data frames; Close may be called from any goroutine.
type WSConn struct {
	ws         *websocket.Conn
	sink       *Sink
	metrics    *metrics.Metrics
	pingPeriod time.Duration
	once       sync.Once
}

func NewWSConn(ws *websocket.Conn, sink *Sink, m *metrics.Metrics) *WSConn {
	if m == nil {
		m = metrics.Global()
	}
	return &WSConn{ws: ws, sink: sink, metrics: m, pingPeriod: pingPeriod}
}

// WriteLoop drains the sink into the socket, pinging while idle. It returns
// when the sink closes, a write fails or ctx is done, and closes the socket.
func (c *WSConn) WriteLoop(ctx context.Context) error {
	defer func() {
		code, reason := websocket.CloseNormalClosure, "session closed"
		if c.sink.Slow() {
			code, reason = websocket.ClosePolicyViolation, "slow consumer"
		}
		c.Close(code, reason)
	}()

	for {
		waitCtx, cancel := context.WithTimeout(ctx, c.pingPeriod)
		frame, err := c.sink.Next(waitCtx)
		cancel()
		switch {
		case err == nil:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return err
			}
			c.metrics.FramesSent.Inc()
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		case errors.Is(err, ErrSinkClosed):
			return nil
		default:
			return err
		}
	}
}

func (c *WSConn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

// Close sends a close frame and closes the socket once.
func (c *WSConn) Close(code int, reason string) {
	c.once.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}
