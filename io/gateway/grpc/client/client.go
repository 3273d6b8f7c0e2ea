package client

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/io/gateway/grpc/wire"
	"github.com/vadiminshakov/subbridge/io/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
)

// Dialer opens bridge streams to the background. It implements transport.Dialer, so a
// connection manager can re-dial it after every loss.
type Dialer struct {
	addr string
	conn *grpc.ClientConn
}

// New creates instance of bridge client.
// 'addr' is a background network address (host + port).
func New(addr string, opts ...grpc.DialOption) (*Dialer, error) {
	connParams := grpc.ConnectParams{
		Backoff: backoff.Config{
			BaseDelay:  100 * time.Millisecond,
			Multiplier: backoff.DefaultConfig.Multiplier,
			Jitter:     backoff.DefaultConfig.Jitter,
			MaxDelay:   10 * time.Second,
		},
		MinConnectTimeout: 200 * time.Millisecond,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithConnectParams(connParams),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect")
	}
	return &Dialer{addr: addr, conn: conn}, nil
}

// Dial opens a new bridge stream. It returns once the background has accepted the
// stream, so a returned conn is usable right away.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := d.conn.NewStream(streamCtx, &wire.ServiceDesc.Streams[0], wire.ConnectMethod)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "open bridge stream to %s", d.addr)
	}

	md, err := stream.Header()
	if err == nil && md == nil {
		// the stream ended before the background answered; the status is in RecvMsg
		err = stream.RecvMsg(&dto.Envelope{})
		if err == nil {
			err = errors.New("stream closed without headers")
		}
	}
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "bridge handshake with %s", d.addr)
	}

	return wire.NewStreamConn(stream, cancel), nil
}

// Close releases the underlying client connection.
func (d *Dialer) Close() error {
	return d.conn.Close()
}
