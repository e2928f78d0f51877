// Package server implements the framed TCP server shared by the manager and
// agent binaries: one accept loop, one goroutine per connection, one
// length-prefixed JSON message per request with exactly one response.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/protocol"
)

// Handler handles one decoded message from peer and returns the response
// envelope to write back. A non-nil error drops the connection.
type Handler interface {
	Handle(ctx context.Context, raw []byte, peer string) (any, error)
}

// Config holds server configuration.
type Config struct {
	// BindAddr is the TCP listen address, e.g. "0.0.0.0:8888".
	BindAddr string

	Logger *zap.Logger
}

// Validate validates the server configuration.
func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind address is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Server accepts framed JSON command connections and feeds them to a
// Handler.
type Server struct {
	config  Config
	handler Handler
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn
	closed   bool

	wg sync.WaitGroup
}

// New creates a server.
func New(config Config, handler Handler) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &Server{
		config:  config,
		handler: handler,
		logger:  config.Logger,
		conns:   make(map[string]net.Conn),
	}, nil
}

// Start binds the listen socket. Serve must be called to accept.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.BindAddr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Stop is called or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("server not started")
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		connID := uuid.NewString()
		s.mu.Lock()
		s.conns[connID] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(ctx, connID, conn)
	}
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	s.logger.Info("Server stopped")
}

func (s *Server) handleConn(ctx context.Context, connID string, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
	}()

	peer := conn.RemoteAddr().String()
	logger := s.logger.With(
		zap.String("conn_id", connID),
		zap.String("peer", peer),
	)
	logger.Info("Connection accepted")

	for {
		raw, err := protocol.ReadMessage(conn)
		if err != nil {
			if err != io.EOF {
				logger.Warn("Connection read failed", zap.Error(err))
			}
			logger.Debug("Connection closed")
			return
		}

		resp, err := s.handler.Handle(ctx, raw, peer)
		if err != nil {
			// Undecodable input; drop the connection rather than guess.
			logger.Warn("Dropping connection on undecodable input", zap.Error(err))
			return
		}

		if err := protocol.WriteMessage(conn, resp); err != nil {
			logger.Warn("Connection write failed", zap.Error(err))
			return
		}
	}
}
