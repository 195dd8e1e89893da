package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kilupskalvis/coedit/internal/actor"
	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/protocol"
)

const (
	writeTimeout  = 10 * time.Second
	maxFrameBytes = 256 * 1024
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errConnClosed     = errors.New("connection closed")
)

// wsConn is a socket client. Frames are queued on send and written by
// writePump so a slow client never blocks the actor that produced them.
type wsConn struct {
	conn   *websocket.Conn
	send   chan protocol.Envelope
	done   chan struct{}
	once   sync.Once
	reason string
	logger *slog.Logger
}

func newWSConn(c *websocket.Conn, buffer int, logger *slog.Logger) *wsConn {
	if buffer <= 0 {
		buffer = 64
	}
	c.SetReadLimit(maxFrameBytes)
	return &wsConn{
		conn:   c,
		send:   make(chan protocol.Envelope, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send implements protocol.Sender. A full buffer closes the connection.
func (c *wsConn) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		c.Close("send buffer full")
		return errSendBufferFull
	}
}

// Close implements protocol.Sender. Frames already queued are still written.
func (c *wsConn) Close(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// writePump drains send until the connection is closed or ctx ends, pinging
// the client every pingInterval.
func (c *wsConn) writePump(ctx context.Context, pingInterval time.Duration) {
	var ping <-chan time.Time
	if pingInterval > 0 {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case env := <-c.send:
			if err := c.write(ctx, env); err != nil {
				c.logger.Debug("socket write failed", "error", err)
				c.Close("write failed")
				c.conn.CloseNow()
				return
			}
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.logger.Debug("socket ping failed", "error", err)
				c.Close("ping failed")
				c.conn.CloseNow()
				return
			}
		case <-c.done:
			c.flush(ctx)
			c.conn.Close(closeStatus(c.reason), truncateReason(c.reason))
			return
		case <-ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

func (c *wsConn) write(ctx context.Context, env protocol.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.conn, env)
}

// flush writes whatever is still queued
func (c *wsConn) flush(ctx context.Context) {
	for {
		select {
		case env := <-c.send:
			if err := c.write(ctx, env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump decodes client frames and hands them to handle until the socket
// closes. Decode failures and handler errors are reported back to the client
// without closing the connection.
func (a *api) readPump(ctx context.Context, c *wsConn, userID string, handle func(protocol.Envelope, protocol.Message) error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				a.logger.Debug("socket read ended", "user", userID, "error", err)
			}
			c.Close("client closed")
			return
		}
		if typ != websocket.MessageText {
			c.Send(protocol.NewError(models.ErrMalformedOperation, "", nil))
			continue
		}
		if !a.limiter.allowMessage(userID) {
			a.metrics.limited("message")
			c.Send(protocol.NewError(models.ErrRateLimited, "", nil))
			continue
		}

		env, msg, err := protocol.Decode(data)
		if err != nil {
			c.Send(protocol.NewError(err, env.MessageID, nil))
			continue
		}
		a.metrics.messageReceived(string(env.Type))

		if err := handle(env, msg); err != nil {
			if errors.Is(err, actor.ErrStopped) {
				c.Close("server shutting down")
				return
			}
			c.Send(protocol.NewError(err, env.MessageID, nil))
		}
	}
}

func closeStatus(reason string) websocket.StatusCode {
	switch reason {
	case "client closed":
		return websocket.StatusNormalClosure
	case "server shutting down", "room closed":
		return websocket.StatusGoingAway
	default:
		return websocket.StatusPolicyViolation
	}
}

// truncateReason fits a close reason in a control frame
func truncateReason(reason string) string {
	const max = 120
	if len(reason) <= max {
		return reason
	}
	return reason[:max]
}
