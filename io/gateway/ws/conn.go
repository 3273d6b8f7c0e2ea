// Package ws connects the mediator and the page over a WebSocket.
//
// The mediator serves a PageChannel; the page dials it and announces itself with a
// PAGE_READY notification. Until that announcement the page is not available and
// nothing is sent to it.
package ws

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/io/transport"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ReadLimit bounds a single inbound envelope.
const ReadLimit = 1 << 20

// Conn adapts a websocket carrying JSON envelopes to transport.Conn.
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps an accepted or dialed websocket.
func NewConn(c *websocket.Conn) *Conn {
	c.SetReadLimit(ReadLimit)
	return &Conn{ws: c}
}

func (c *Conn) Send(ctx context.Context, env dto.Envelope) error {
	if err := wsjson.Write(ctx, c.ws, env); err != nil {
		return socketErr(ctx, err)
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context) (dto.Envelope, error) {
	var env dto.Envelope
	if err := wsjson.Read(ctx, c.ws, &env); err != nil {
		return dto.Envelope{}, socketErr(ctx, err)
	}
	return env, nil
}

func (c *Conn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "close page socket")
	}
	return nil
}

func socketErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return transport.ErrClosed
	}
	return errors.Wrap(err, "page socket")
}
