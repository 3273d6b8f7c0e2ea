// Package wire carries envelopes over a single bidirectional gRPC stream.
//
// There is no generated protobuf code: the Bridge service is declared by hand and its
// messages are dto.Envelope values encoded with a JSON codec, so the bytes on the stream
// are the same JSON envelopes every other transport uses.
package wire

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/io/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	// CodecName is the content-subtype negotiated for the bridge stream.
	CodecName = "json"
	// ConnectMethod is the full method name of the bridge stream.
	ConnectMethod = "/subbridge.Bridge/Connect"
)

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec marshals gRPC messages as JSON.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string {
	return CodecName
}

// BridgeServer is implemented by the side accepting bridge streams.
type BridgeServer interface {
	Connect(stream grpc.ServerStream) error
}

// ServiceDesc describes the Bridge service with its single bidi Connect stream.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "subbridge.Bridge",
	HandlerType: (*BridgeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "subbridge/bridge",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BridgeServer).Connect(stream)
}

// Stream is the part of grpc.ClientStream and grpc.ServerStream a StreamConn needs.
type Stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

type received struct {
	env dto.Envelope
	err error
}

// StreamConn adapts a bridge stream to transport.Conn.
//
// gRPC allows one concurrent sender and one concurrent receiver per stream: sends are
// serialized by a mutex and a single reader goroutine feeds Receive.
type StreamConn struct {
	stream  Stream
	onClose func()

	sendMu sync.Mutex
	inbox  chan received
	closed chan struct{}
	once   sync.Once
}

// NewStreamConn starts reading from stream. onClose, if set, is called once by Close
// and must make the stream terminate.
func NewStreamConn(stream Stream, onClose func()) *StreamConn {
	c := &StreamConn{
		stream:  stream,
		onClose: onClose,
		inbox:   make(chan received),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *StreamConn) Send(ctx context.Context, env dto.Envelope) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(&env); err != nil {
		return streamErr(err)
	}
	return nil
}

func (c *StreamConn) Receive(ctx context.Context) (dto.Envelope, error) {
	select {
	case r, ok := <-c.inbox:
		if !ok {
			return dto.Envelope{}, transport.ErrClosed
		}
		return r.env, r.err
	case <-c.closed:
		return dto.Envelope{}, transport.ErrClosed
	case <-ctx.Done():
		return dto.Envelope{}, ctx.Err()
	}
}

func (c *StreamConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// Done is closed once Close has been called.
func (c *StreamConn) Done() <-chan struct{} {
	return c.closed
}

func (c *StreamConn) readLoop() {
	defer close(c.inbox)

	for {
		var env dto.Envelope
		err := c.stream.RecvMsg(&env)
		if err != nil {
			err = streamErr(err)
		}
		select {
		case c.inbox <- received{env: env, err: err}:
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// streamErr maps the ways a stream ends to transport.ErrClosed.
func streamErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return transport.ErrClosed
	}
	switch status.Code(err) {
	case codes.Canceled, codes.Unavailable:
		return transport.ErrClosed
	}
	return errors.Wrap(err, "bridge stream")
}
