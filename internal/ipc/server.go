package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server accepts IPC clients on a unix socket.
type Server struct {
	socketPath string
	hub        *Hub
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

func NewServer(socketPath string, hub *Hub, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", hub.ServeWs)

	return &Server{
		socketPath: socketPath,
		hub:        hub,
		httpServer: &http.Server{Handler: mux},
		logger:     logger,
	}
}

// Start listens on the socket and serves in the background. A stale socket
// file from a previous run is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("IPC server error", zap.Error(err))
		}
	}()

	s.logger.Info("IPC server listening", zap.String("socket", s.socketPath))
	return nil
}

// Shutdown stops accepting clients and removes the socket file. Upgraded
// connections are closed by the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = multierr.Append(err, rmErr)
	}
	return err
}

func (s *Server) SocketPath() string {
	return s.socketPath
}
