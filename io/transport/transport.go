// Package transport defines the low-level point-to-point pipe between two contexts.
//
// A Conn delivers opaque envelopes and provides no correlation or retry. A Channel is
// the long-lived view the correlation engine talks to; it may be backed by a single
// Conn (Pump) or by a connection manager that re-dials.
package transport

import (
	"context"
	"errors"

	"github.com/vadiminshakov/subbridge/core/dto"
)

// ErrClosed is returned by a Conn after it has been closed by either side.
var ErrClosed = errors.New("transport closed")

// State is the liveness of a channel.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is one established pipe. Receive returns an error once the pipe is gone.
//
//go:generate mockgen -destination=../../mocks/mock_conn.go -package=mocks . Conn
type Conn interface {
	Send(ctx context.Context, env dto.Envelope) error
	Receive(ctx context.Context) (dto.Envelope, error)
	Close() error
}

// Dialer establishes a new Conn to the remote context.
//
//go:generate mockgen -destination=../../mocks/mock_dialer.go -package=mocks . Dialer
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Channel is the transport surface the correlation engine depends on.
//
//go:generate mockgen -destination=../../mocks/mock_channel.go -package=mocks . Channel
type Channel interface {
	Send(ctx context.Context, env dto.Envelope) error
	OnMessage(fn func(dto.Envelope))
	State() State
}
