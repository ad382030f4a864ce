// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures Breaker.
type BreakerConfig struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Breaker stops calling a failing back end until ResetTimeout has passed.
// Rejections count as successful calls; only errors trip the breaker.
type Breaker struct {
	next Authenticator
	cb   *gobreaker.CircuitBreaker
}

var _ Authenticator = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(next Authenticator, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "auth",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("auth circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Authenticate(ctx context.Context, username, password string) (bool, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Authenticate(ctx, username, password)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return false, err
	}
	return res.(bool), nil
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
