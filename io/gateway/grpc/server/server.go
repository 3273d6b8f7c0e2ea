package server

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/config"
	"github.com/vadiminshakov/subbridge/core/correlation"
	"github.com/vadiminshakov/subbridge/io/gateway/grpc/wire"
	"github.com/vadiminshakov/subbridge/io/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type Option func(server *Server) error

// Server accepts bridge streams from mediators. Every stream gets its own correlation
// engine that serves inbound requests with the configured handler.
type Server struct {
	Addr       string
	GRPCServer *grpc.Server
	Config     *config.Config
	handler    correlation.Handler
	engineOpts []correlation.Option

	mu       sync.Mutex
	sessions map[*correlation.Engine]struct{}
}

// New fabric func for Server
func New(conf *config.Config, handler correlation.Handler, opts ...Option) (*Server, error) {
	server := &Server{
		Addr:     conf.BridgeAddr,
		Config:   conf,
		handler:  handler,
		sessions: make(map[*correlation.Engine]struct{}),
	}
	for _, option := range opts {
		if err := option(server); err != nil {
			return nil, err
		}
	}

	if server.handler == nil {
		return nil, errors.New("request handler is not set")
	}
	return server, nil
}

// WithEngineOptions tunes the engine created for every stream.
func WithEngineOptions(opts ...correlation.Option) Option {
	return func(server *Server) error {
		server.engineOpts = append(server.engineOpts, opts...)
		return nil
	}
}

// Connect serves one bridge stream until the peer goes away.
func (s *Server) Connect(stream grpc.ServerStream) error {
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	pump := transport.NewPump(wire.NewStreamConn(stream, nil))
	opts := make([]correlation.Option, 0, len(s.engineOpts)+1)
	opts = append(opts, s.engineOpts...)
	opts = append(opts, correlation.WithHandler(s.handler))
	engine := correlation.NewEngine(pump, opts...)

	s.track(engine)
	defer s.untrack(engine)
	log.Info("mediator connected")

	err := pump.Run(stream.Context())
	engine.FailAll(nil)
	log.Infof("mediator disconnected: %v", err)

	if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Notify pushes a notification to every connected mediator and returns how many
// streams accepted it.
func (s *Server) Notify(ctx context.Context, msgType string, payload any) int {
	s.mu.Lock()
	engines := make([]*correlation.Engine, 0, len(s.sessions))
	for e := range s.sessions {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	delivered := 0
	for _, e := range engines {
		if err := e.Notify(ctx, msgType, payload); err != nil {
			log.Warnf("notify %s: %v", msgType, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Sessions returns the number of connected mediators.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(e *correlation.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[e] = struct{}{}
}

func (s *Server) untrack(e *correlation.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, e)
}

// Run starts non-blocking GRPC server
func (s *Server) Run(opts ...grpc.StreamServerInterceptor) error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.Addr)
	}
	log.Infof("listening on tcp://%s", s.Addr)

	s.Serve(l, opts...)
	return nil
}

// Serve starts serving bridge streams on l in the background.
func (s *Server) Serve(l net.Listener, opts ...grpc.StreamServerInterceptor) {
	s.GRPCServer = grpc.NewServer(
		grpc.ChainStreamInterceptor(opts...),
		grpc.ForceServerCodec(wire.Codec{}),
	)
	s.GRPCServer.RegisterService(&wire.ServiceDesc, s)

	go func() {
		if err := s.GRPCServer.Serve(l); err != nil {
			log.Errorf("grpc server: %v", err)
		}
	}()
}

// Stop stops server
func (s *Server) Stop() {
	log.Info("stopping server")
	if s.GRPCServer != nil {
		// bridge streams never finish on their own, so a graceful stop would hang
		s.GRPCServer.Stop()
	}
	log.Info("server stopped")
}
