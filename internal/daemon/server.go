package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/observability"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server serves the control API on the account's Unix socket.
type Server struct {
	rpc    *grpc.Server
	ln     net.Listener
	path   string
	logger *zap.Logger
}

func socketPath(p Params) string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return session.SocketPath(p.AccountName)
}

// listenUnix binds path owner-only. A leftover socket from a crashed daemon is
// replaced; the account lock guarantees nobody else is serving on it.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
}

func NewServer(
	p Params,
	logger *zap.Logger,
	syncSvc *api.SyncService,
	messageSvc *api.MessageService,
	presenceSvc *api.PresenceService,
) (*Server, error) {
	path := socketPath(p)
	ln, err := listenUnix(path)
	if err != nil {
		return nil, err
	}

	rpc := grpc.NewServer(grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()))
	api.RegisterSyncServer(rpc, syncSvc)
	api.RegisterMessageServer(rpc, messageSvc)
	api.RegisterPresenceServer(rpc, presenceSvc)

	return &Server{rpc: rpc, ln: ln, path: path, logger: logger}, nil
}

// Path is the socket the server listens on.
func (s *Server) Path() string { return s.path }

// Start serves until Stop. A clean stop returns nil.
func (s *Server) Start() error {
	s.logger.Info("control socket listening", zap.String("socket", s.path))
	if err := s.rpc.Serve(s.ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls, falling back to a hard stop when ctx expires,
// and removes the socket.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.rpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("control socket drain timed out, forcing stop")
		s.rpc.Stop()
		<-done
	}
	_ = os.Remove(s.path)
	s.logger.Info("control socket closed")
}
