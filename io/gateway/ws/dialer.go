package ws

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/io/transport"
	"nhooyr.io/websocket"
)

// Dialer is the page's end of the page channel. Every dial announces PAGE_READY, so a
// connection manager re-dialing after a loss makes the page available again.
type Dialer struct {
	url  string
	opts *websocket.DialOptions
}

// NewDialer creates a dialer for the mediator socket at url (ws://, wss://, http:// or https://).
func NewDialer(url string) *Dialer {
	return &Dialer{url: url, opts: &websocket.DialOptions{}}
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	socket, _, err := websocket.Dial(ctx, d.url, d.opts)
	if err != nil {
		return nil, errors.Wrapf(err, "dial mediator at %s", d.url)
	}

	conn := NewConn(socket)
	if err := conn.Send(ctx, dto.Envelope{Type: dto.TypePageReady}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "announce page")
	}
	return conn, nil
}
