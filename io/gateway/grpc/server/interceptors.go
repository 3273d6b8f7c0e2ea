package server

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	codes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	status "google.golang.org/grpc/status"
)

// WhiteListChecker intercepts streams and checks that the caller is whitelisted.
func WhiteListChecker(srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler) error {
	peerinfo, ok := peer.FromContext(ss.Context())
	if !ok {
		return status.Errorf(codes.Internal, "failed to retrieve peer info")
	}

	host, _, err := net.SplitHostPort(peerinfo.Addr.String())
	if err != nil {
		// non-TCP listeners report a bare address
		host = peerinfo.Addr.String()
	}

	serv, ok := srv.(*Server)
	if !ok {
		return status.Errorf(codes.Internal, "unexpected service %T", srv)
	}
	if !serv.Config.Allowed(host) {
		return status.Errorf(codes.PermissionDenied, "host %s is not in whitelist", host)
	}

	// Calls the handler
	return handler(srv, ss)
}

// StreamLogger logs the lifetime of every stream.
func StreamLogger(srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)

	entry := log.WithFields(log.Fields{"method": info.FullMethod, "duration": time.Since(start)})
	if err != nil {
		entry.Warnf("stream ended: %v", err)
	} else {
		entry.Debug("stream ended")
	}
	return err
}
