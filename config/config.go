// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/absmach/fluxamqp/pkg/tls"
	"github.com/absmach/fluxamqp/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration of the AMQP server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	RateLimit  ratelimit.Config `yaml:"rate_limit"`
	Connection ConnectionConfig `yaml:"connection"`
	SASL       SASLConfig       `yaml:"sasl"`
	Auth       AuthConfig       `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
	Otel       OtelConfig       `yaml:"otel"`
}

// ServerConfig holds the listener configuration.
type ServerConfig struct {
	AMQP      AMQPConfig      `yaml:"amqp"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Health    HealthConfig    `yaml:"health"`
}

// AMQPConfig configures the TCP listener.
type AMQPConfig struct {
	Addr            string        `yaml:"addr"`
	TLS             tls.Config    `yaml:"tls"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebSocketConfig configures AMQP over WebSocket.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// HealthConfig configures the health and stats endpoints.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ConnectionConfig holds the parameters announced in Open and Begin.
type ConnectionConfig struct {
	ContainerID    string        `yaml:"container_id"` // empty = random per process
	Hostname       string        `yaml:"hostname"`
	MaxFrameSize   uint32        `yaml:"max_frame_size"`
	ChannelMax     uint16        `yaml:"channel_max"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	HandleMax      uint32        `yaml:"handle_max"`
	LinkCredit     uint32        `yaml:"link_credit"`
	MaxMessageSize uint64        `yaml:"max_message_size"` // 0 = unlimited
	RequireSASL    bool          `yaml:"require_sasl"`
}

// SASLConfig lists the offered mechanisms in preference order.
type SASLConfig struct {
	Mechanisms []string `yaml:"mechanisms"`
}

// AuthConfig selects the credential store for SASL PLAIN.
type AuthConfig struct {
	Type      string            `yaml:"type"` // none, static, badger
	Users     map[string]string `yaml:"users,omitempty"`
	BadgerDir string            `yaml:"badger_dir"`
	Breaker   BreakerConfig     `yaml:"breaker"`
}

// BreakerConfig guards the credential store.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AMQP: AMQPConfig{
				Addr:            ":5672",
				MaxConnections:  10000,
				ShutdownTimeout: 30 * time.Second,
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Addr:    ":8083",
				Path:    "/amqp",
			},
			Health: HealthConfig{
				Enabled: true,
				Addr:    ":8081",
			},
		},
		RateLimit: ratelimit.DefaultConfig(),
		Connection: ConnectionConfig{
			MaxFrameSize: 65536,
			ChannelMax:   255,
			IdleTimeout:  60 * time.Second,
			HandleMax:    1023,
			LinkCredit:   100,
		},
		SASL: SASLConfig{
			Mechanisms: []string{"PLAIN", "ANONYMOUS"},
		},
		Auth: AuthConfig{
			Type:      "none",
			BadgerDir: "/tmp/fluxamqp/users",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxamqp",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.AMQP.Addr == "" {
		return fmt.Errorf("server.amqp.addr cannot be empty")
	}
	if c.Server.AMQP.MaxConnections < 0 {
		return fmt.Errorf("server.amqp.max_connections cannot be negative")
	}
	if err := c.Server.AMQP.TLS.Validate(); err != nil {
		return fmt.Errorf("server.amqp.tls: %w", err)
	}
	if c.Server.WebSocket.Enabled {
		if c.Server.WebSocket.Addr == "" {
			return fmt.Errorf("server.websocket.addr required when websocket is enabled")
		}
		if c.Server.WebSocket.Path == "" || c.Server.WebSocket.Path[0] != '/' {
			return fmt.Errorf("server.websocket.path must start with '/'")
		}
	}
	if c.Server.Health.Enabled && c.Server.Health.Addr == "" {
		return fmt.Errorf("server.health.addr required when health is enabled")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate_limit.rate must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}

	if c.Connection.MaxFrameSize != 0 && c.Connection.MaxFrameSize < 512 {
		return fmt.Errorf("connection.max_frame_size must be at least 512")
	}
	if c.Connection.IdleTimeout < 0 {
		return fmt.Errorf("connection.idle_timeout cannot be negative")
	}

	if len(c.SASL.Mechanisms) == 0 {
		return fmt.Errorf("sasl.mechanisms cannot be empty")
	}

	switch c.Auth.Type {
	case "none":
	case "static":
		if len(c.Auth.Users) == 0 {
			return fmt.Errorf("auth.users required for static auth")
		}
	case "badger":
		if c.Auth.BadgerDir == "" {
			return fmt.Errorf("auth.badger_dir required for badger auth")
		}
	default:
		return fmt.Errorf("auth.type must be one of: none, static, badger")
	}
	if c.Auth.Type != "none" {
		// Skipping SASL or choosing ANONYMOUS would bypass the authenticator.
		if !c.Connection.RequireSASL {
			return fmt.Errorf("connection.require_sasl must be true when auth.type is %s", c.Auth.Type)
		}
		for _, m := range c.SASL.Mechanisms {
			if strings.EqualFold(m, "ANONYMOUS") {
				return fmt.Errorf("sasl.mechanisms cannot include ANONYMOUS when auth.type is %s", c.Auth.Type)
			}
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}

	if c.Otel.MetricsEnabled || c.Otel.TracesEnabled {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint required when telemetry is enabled")
		}
		if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0 and 1")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
