// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server accepts AMQP 1.0 connections: it negotiates the protocol
// layers, authenticates the peer, and then forwards session and link
// lifecycle events to an application link service.
//
// Every connection runs on the goroutine that called ServeConn. Session
// state, links and control frames of a connection are only valid there.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/sasl"
	"github.com/absmach/fluxamqp/amqp/transport"
	"github.com/absmach/fluxamqp/auth"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LinkService handles the control frames of one connection. Control is
// called once per event, in arrival order, and the next frame is not read
// before it returns.
//
// Returning an error for AttachSender or AttachReceiver refuses the link; a
// *performatives.Error keeps its condition. An error for any other link
// event closes the connection with amqp:internal-error.
type LinkService interface {
	Control(ctx context.Context, f *amqp.ControlFrame) error
}

// LinkServiceFunc adapts a function to LinkService.
type LinkServiceFunc func(ctx context.Context, f *amqp.ControlFrame) error

func (fn LinkServiceFunc) Control(ctx context.Context, f *amqp.ControlFrame) error {
	return fn(ctx, f)
}

// TransferHandler is implemented by link services that consume deliveries.
// An unsettled delivery is accepted when Transfer returns nil and rejected
// with the returned error otherwise.
type TransferHandler interface {
	Transfer(ctx context.Context, l *amqp.ReceiverLink, d *amqp.Delivery) error
}

// Factory builds the application state and link service of a connection.
// It is called once per connection after the handshake, possibly from many
// goroutines at once. creds is nil when the peer skipped SASL; the password
// is always cleared.
type Factory[St any] func(ctx context.Context, creds *sasl.Credentials, conn *amqp.Connection) (St, LinkService, error)

// DisconnectFunc observes the application state once the connection ended.
// Its error is logged and never replaces the connection result.
type DisconnectFunc[St any] func(ctx context.Context, state State[St]) error

// Server runs AMQP connections for application state St.
type Server[St any] struct {
	cfg     Config
	factory Factory[St]
	stats   *Stats
	logger  *slog.Logger

	mu         sync.RWMutex
	disconnect DisconnectFunc[St]
	auth       auth.Authenticator
	metrics    *Metrics     // nil if OTel disabled
	tracer     trace.Tracer // nil if tracing disabled
}

// New creates a server. Unset configuration falls back to defaults.
func New[St any](cfg Config, factory Factory[St], logger *slog.Logger) *Server[St] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server[St]{
		cfg:     cfg.withDefaults(),
		factory: factory,
		stats:   NewStats(),
		logger:  logger,
	}
}

// SetDisconnect registers the disconnect hook.
func (s *Server[St]) SetDisconnect(fn DisconnectFunc[St]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect = fn
}

// SetAuthenticator sets the credential check for SASL PLAIN. Without one,
// every well-formed PLAIN response is accepted.
func (s *Server[St]) SetAuthenticator(a auth.Authenticator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = a
}

// SetMetrics sets the OTel metrics instance.
func (s *Server[St]) SetMetrics(m *Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// SetTracer enables a span per handshake.
func (s *Server[St]) SetTracer(t trace.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

func (s *Server[St]) getDisconnect() DisconnectFunc[St] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnect
}

func (s *Server[St]) getAuth() auth.Authenticator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

func (s *Server[St]) getMetrics() *Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

func (s *Server[St]) getTracer() trace.Tracer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracer
}

// Stats returns the server statistics.
func (s *Server[St]) Stats() *Stats {
	return s.stats
}

// ServeConn runs one connection to completion and closes conn. It returns
// nil when the peer closed the connection or the transport, and the cause
// otherwise. Cancelling ctx closes conn.
func (s *Server[St]) ServeConn(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	logger := s.logger.With(slog.String("conn_id", uuid.NewString()), slog.String("remote", remote(conn)))
	tel := telemetry{stats: s.stats, metrics: s.getMetrics()}
	ph := &phase{}
	defer func() { _ = ph.advance(PhaseClosed) }()

	start := time.Now()
	c, creds, err := s.handshake(ctx, conn, ph, logger)
	if err != nil {
		_ = ph.advance(PhaseClosing)
		tel.handshakeFailed(err)
		logger.Debug("AMQP handshake failed", slog.String("error", err.Error()))
		return err
	}
	tel.connected(time.Since(start))
	defer tel.disconnected()

	logger = logger.With(slog.String("container_id", c.ContainerID()))
	logger.Info("AMQP connection opened")

	st, svc, err := s.factory(ctx, creds, c)
	if err != nil {
		_ = ph.advance(PhaseClosing)
		tel.serviceError()
		if cerr := c.Close(performatives.NewError(performatives.ErrInternalError, err.Error())); cerr != nil {
			logger.Debug("failed to send close", slog.String("error", cerr.Error()))
		}
		return &ServiceError{Err: err}
	}
	state := newState(st, logger)

	if idle := c.IdleTimeout(); idle > 0 {
		go heartbeat(ctx, c.Transport(), idle/2, logger)
	}

	d := newDispatcher(c, svc, ph, tel, logger)
	err = d.run(ctx)
	d.shutdown()
	cancel()

	s.runDisconnect(context.WithoutCancel(ctx), state, logger)
	state.Release()

	if err != nil {
		logger.Info("AMQP connection closed", slog.String("error", err.Error()))
	} else {
		logger.Info("AMQP connection closed")
	}
	return err
}

func (s *Server[St]) handshake(ctx context.Context, conn net.Conn, ph *phase, logger *slog.Logger) (*amqp.Connection, *sasl.Credentials, error) {
	h := &handshake{cfg: s.cfg, auth: s.getAuth(), phase: ph, logger: logger}
	tracer := s.getTracer()
	if tracer == nil {
		return h.run(ctx, transport.New(conn))
	}

	ctx, span := tracer.Start(ctx, "amqp.handshake", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	c, creds, err := h.run(ctx, transport.New(conn))
	span.SetAttributes(
		attribute.String("net.peer.addr", remote(conn)),
		attribute.String("amqp.protocol", h.protocol.String()),
		attribute.String("amqp.sasl.mechanism", h.mechanism),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, handshakeFailure(err))
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("amqp.container_id", c.ContainerID()))
	return c, creds, nil
}

// runDisconnect calls the hook, if any, with its own handle on the state.
func (s *Server[St]) runDisconnect(ctx context.Context, state State[St], logger *slog.Logger) {
	fn := s.getDisconnect()
	if fn == nil {
		return
	}
	h := state.Clone()
	defer h.Release()
	if err := fn(ctx, h); err != nil {
		logger.Warn("disconnect hook failed", slog.String("error", err.Error()))
	}
}

// heartbeat keeps an idle connection alive until ctx ends. Transport writes
// are serialised, so it may run next to the dispatcher.
func heartbeat(ctx context.Context, t *transport.AMQPFramed, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.WriteHeartbeat(); err != nil {
				logger.Debug("heartbeat send failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func remote(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
