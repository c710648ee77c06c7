package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// Server runs the HTTP surface on a TCP address.
type Server struct {
	handler  *Handler
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer binds addr right away so the resolved address is known before Start.
func NewServer(addr string, h *Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{
		handler:  h,
		srv:      &http.Server{Handler: h.Router()},
		listener: ln,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
}

// Stop closes event streams and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	s.handler.Close()
	return s.srv.Shutdown(ctx)
}
