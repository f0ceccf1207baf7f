package query

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/caesar-terminal/depth/internal/metrics"
)

// slowCall is the latency above which a call is logged at warn.
const slowCall = 50 * time.Millisecond

// Server serves the TopOfBook service on a Unix domain socket readable
// only by its owner.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	log        *zap.Logger
}

// New binds socketPath, replacing a socket left by an earlier run, and
// registers the TopOfBook service backed by registry.
func New(socketPath string, registry *Registry, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("query")

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("query: socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("query: remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("query: listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("query: chmod socket: %w", err)
	}

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(observe(log)))
	gs.RegisterService(&ServiceDesc, NewHandler(registry))

	return &Server{
		grpcServer: gs,
		listener:   lis,
		socketPath: socketPath,
		log:        log,
	}, nil
}

// observe counts every call by method and status code and logs failures
// and slow calls.
func observe(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		code := status.Code(err)
		method := path.Base(info.FullMethod)
		metrics.QueryRequests.WithLabelValues(method, code.String()).Inc()

		switch {
		case err != nil:
			log.Debug("call failed", zap.String("method", method), zap.Stringer("code", code), zap.Error(err))
		case elapsed > slowCall:
			log.Warn("slow call", zap.String("method", method), zap.Duration("elapsed", elapsed))
		}
		return resp, err
	}
}

// Serve accepts connections until the server is stopped.
func (s *Server) Serve() error {
	s.log.Info("serving", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.socketPath }

// GracefulStop drains in-flight calls and removes the socket file.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
