// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves AMQP 1.0 over WebSocket using the "amqp"
// subprotocol. Each binary message carries a chunk of the AMQP byte stream.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol for AMQP 1.0.
const Subprotocol = "amqp"

// Handler runs one connection to completion. Cancelling ctx must end it.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn) error
}

// Limiter admits new transports by remote address.
type Limiter interface {
	Allow(addr net.Addr) bool
}

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	Limiter         Limiter // nil admits everything
}

type Server struct {
	config   Config
	handler  Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	wg       sync.WaitGroup
	listener net.Listener

	connCtx    context.Context
	connCancel context.CancelFunc
}

func New(cfg Config, h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/amqp"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		connCtx:    connCtx,
		connCancel: connCancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the upgrade path.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen serves until ctx is cancelled, then drains open connections for up
// to ShutdownTimeout before cancelling them.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("AMQP websocket server started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.connCancel()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("AMQP websocket shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	// Hijacked connections are not tracked by http.Server.
	err = s.server.Shutdown(shutdownCtx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("AMQP websocket shutdown timeout exceeded, forcing connection closure")
		s.connCancel()
		<-done
	}
	s.connCancel()

	if err != nil {
		s.logger.Error("AMQP websocket shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("AMQP websocket server stopped")
	return nil
}

// Addr returns the listener's network address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	remote := addr{network: "tcp", s: r.RemoteAddr}
	if s.config.Limiter != nil && !s.config.Limiter.Allow(remote) {
		s.logger.Warn("AMQP websocket connection rate limited", slog.String("remote", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("AMQP websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	if ws.Subprotocol() != Subprotocol {
		s.logger.Debug("AMQP websocket client did not negotiate the amqp subprotocol", slog.String("remote", r.RemoteAddr))
	}

	s.wg.Add(1)
	defer s.wg.Done()

	conn := NewConn(ws)
	defer conn.Close()

	s.logger.Debug("AMQP websocket connection accepted", slog.String("remote", r.RemoteAddr))
	if err := s.handler.ServeConn(s.connCtx, conn); err != nil {
		s.logger.Debug("AMQP websocket connection ended", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
	}
}

type addr struct {
	network string
	s       string
}

func (a addr) Network() string { return a.network }
func (a addr) String() string  { return a.s }
