package transport

import (
	"context"
	"sync"

	"github.com/vadiminshakov/subbridge/core/dto"
)

const pipeBuffer = 64

type memConn struct {
	in     <-chan dto.Envelope
	out    chan<- dto.Envelope
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	aToB := make(chan dto.Envelope, pipeBuffer)
	bToA := make(chan dto.Envelope, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &memConn{in: bToA, out: aToB, closed: closed, once: once}
	b := &memConn{in: aToB, out: bToA, closed: closed, once: once}
	return a, b
}

func (c *memConn) Send(ctx context.Context, env dto.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.out <- env:
		return nil
	}
}

func (c *memConn) Receive(ctx context.Context) (dto.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	default:
	}

	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return dto.Envelope{}, ErrClosed
	case <-ctx.Done():
		return dto.Envelope{}, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
