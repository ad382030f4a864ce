// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/sasl"
	amqpserver "github.com/absmach/fluxamqp/amqp/server"
	"github.com/absmach/fluxamqp/auth"
	"github.com/absmach/fluxamqp/config"
	"github.com/absmach/fluxamqp/internal/relay"
	amqptls "github.com/absmach/fluxamqp/pkg/tls"
	"github.com/absmach/fluxamqp/ratelimit"
	"github.com/absmach/fluxamqp/server/health"
	"github.com/absmach/fluxamqp/server/otel"
	"github.com/absmach/fluxamqp/server/tcp"
	"github.com/absmach/fluxamqp/server/websocket"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel"
)

const version = "0.1.0"

// connState is the per-connection application state.
type connState struct {
	user      string
	container string
	opened    time.Time
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	addUser := flag.String("add-user", "", "Store user:password in the badger user store and exit")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if *addUser != "" {
		if err := storeUser(cfg, *addUser); err != nil {
			slog.Error("Failed to add user", "error", err)
			os.Exit(1)
		}
		slog.Info("User stored", "badger_dir", cfg.Auth.BadgerDir)
		return
	}

	slog.Info("Starting AMQP 1.0 server", "version", version)
	slog.Info("Configuration loaded",
		"amqp_listener", cfg.Server.AMQP.Addr,
		"amqp_tls", cfg.Server.AMQP.TLS.Enabled(),
		"websocket_enabled", cfg.Server.WebSocket.Enabled,
		"websocket_listener", cfg.Server.WebSocket.Addr,
		"health_enabled", cfg.Server.Health.Enabled,
		"auth", cfg.Auth.Type,
		"sasl_mechanisms", strings.Join(cfg.SASL.Mechanisms, ","),
		"log_level", cfg.Log.Level)

	instanceID := cfg.Connection.ContainerID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	var otelShutdown func(context.Context) error
	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg.Otel, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	mechs, err := sasl.ByName(cfg.SASL.Mechanisms)
	if err != nil {
		slog.Error("Invalid SASL configuration", "error", err)
		os.Exit(1)
	}

	srv := amqpserver.New(amqpserver.Config{
		AMQP: amqp.Config{
			ContainerID:    instanceID,
			Hostname:       cfg.Connection.Hostname,
			MaxFrameSize:   cfg.Connection.MaxFrameSize,
			ChannelMax:     cfg.Connection.ChannelMax,
			IdleTimeout:    cfg.Connection.IdleTimeout,
			HandleMax:      cfg.Connection.HandleMax,
			LinkCredit:     cfg.Connection.LinkCredit,
			MaxMessageSize: cfg.Connection.MaxMessageSize,
		},
		Mechanisms:  mechs,
		RequireSASL: cfg.Connection.RequireSASL,
	}, newConnection(logger), logger)

	srv.SetDisconnect(func(ctx context.Context, st amqpserver.State[connState]) error {
		c := st.Get()
		slog.Debug("Connection finished",
			"container_id", c.container,
			"user", c.user,
			"duration", time.Since(c.opened))
		return nil
	})

	var breaker *auth.Breaker
	switch cfg.Auth.Type {
	case "static":
		srv.SetAuthenticator(auth.NewStatic(cfg.Auth.Users))
		slog.Info("Using static authentication", "users", len(cfg.Auth.Users))
	case "badger":
		store, err := auth.OpenBadger(cfg.Auth.BadgerDir)
		if err != nil {
			slog.Error("Failed to open user store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		breaker = auth.NewBreaker(store, auth.BreakerConfig{
			FailureThreshold: cfg.Auth.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Auth.Breaker.ResetTimeout,
		}, logger)
		srv.SetAuthenticator(breaker)
		slog.Info("Using badger authentication", "dir", cfg.Auth.BadgerDir)
	default:
		slog.Info("Authentication disabled")
	}

	if cfg.Otel.MetricsEnabled {
		m, err := amqpserver.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		srv.SetMetrics(m)
		slog.Info("OTel metrics enabled")
	}
	if cfg.Otel.TracesEnabled {
		srv.SetTracer(oteltrace.Tracer("fluxamqp"))
		slog.Info("Distributed tracing enabled", "sample_rate", cfg.Otel.TraceSampleRate)
	}

	limiter := ratelimit.New(cfg.RateLimit)
	defer limiter.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	tlsCfg, err := amqptls.LoadTLSConfig(cfg.Server.AMQP.TLS)
	if err != nil {
		slog.Error("Failed to build TLS configuration", "error", err)
		os.Exit(1)
	}

	tcpServer := tcp.New(tcp.Config{
		Address:         cfg.Server.AMQP.Addr,
		TLSConfig:       tlsCfg,
		Logger:          logger,
		Limiter:         limiter,
		ShutdownTimeout: cfg.Server.AMQP.ShutdownTimeout,
		// Peers must send something within the announced idle timeout; allow twice that.
		IdleTimeout:    2 * cfg.Connection.IdleTimeout,
		MaxConnections: cfg.Server.AMQP.MaxConnections,
	}, srv)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting AMQP server", "address", cfg.Server.AMQP.Addr, "security", amqptls.SecurityStatus(tlsCfg))
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- fmt.Errorf("amqp listener: %w", err)
		}
	}()

	if cfg.Server.WebSocket.Enabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WebSocket.Addr,
			Path:            cfg.Server.WebSocket.Path,
			ShutdownTimeout: cfg.Server.AMQP.ShutdownTimeout,
			Limiter:         limiter,
		}, srv, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server", "address", cfg.Server.WebSocket.Addr, "path", cfg.Server.WebSocket.Path)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- fmt.Errorf("websocket listener: %w", err)
			}
		}()
	}

	if cfg.Server.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.Health.Addr,
			ShutdownTimeout: cfg.Server.AMQP.ShutdownTimeout,
		}, srv.Stats(), logger)
		if breaker != nil {
			healthServer.AddCheck("auth", func(context.Context) error {
				if state := breaker.State(); state == "open" {
					return errors.New("auth circuit breaker is " + state)
				}
				return nil
			})
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- fmt.Errorf("health listener: %w", err)
			}
		}()
	}

	slog.Info("AMQP 1.0 server started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("AMQP 1.0 server stopped")
}

// newConnection gives every connection its own relay.
func newConnection(logger *slog.Logger) amqpserver.Factory[connState] {
	return func(ctx context.Context, creds *sasl.Credentials, conn *amqp.Connection) (connState, amqpserver.LinkService, error) {
		st := connState{
			container: conn.ContainerID(),
			opened:    time.Now(),
		}
		if creds != nil {
			st.user = creds.Username
		}
		r := relay.New(relay.DefaultMaxBacklog, logger.With(slog.String("container_id", st.container)))
		return st, r, nil
	}
}

func storeUser(cfg *config.Config, user string) error {
	username, password, ok := strings.Cut(user, ":")
	if !ok || username == "" {
		return errors.New("expected user:password")
	}
	store, err := auth.OpenBadger(cfg.Auth.BadgerDir)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.PutUser(username, password)
}
