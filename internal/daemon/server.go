package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/session"
)

// Server serves the daemon's HTTP API on the session's unix domain socket.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer binds the router to the session's unix socket.
func NewServer(p Params, router *mux.Router, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists; the flock already guarantees we are
	// the only live daemon for this session.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		httpServer: &http.Server{Handler: router},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown error", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}
