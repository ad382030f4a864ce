// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit admits new AMQP transports per remote IP.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds per-IP connection admission settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // how often idle IPs are forgotten
}

// DefaultConfig returns the default admission settings. Admission is off
// unless enabled.
func DefaultConfig() Config {
	return Config{
		Rate:            100.0 / 60.0, // 100 connections per minute per IP
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
	}
}

// IPRateLimiter holds one token bucket per remote IP. Listeners call Allow
// before the AMQP handshake starts.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter for cfg, or nil when admission is disabled. A nil
// *IPRateLimiter admits everything.
func New(cfg Config) *IPRateLimiter {
	if !cfg.Enabled {
		return nil
	}
	d := DefaultConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = d.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	return NewIPRateLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval)
}

// NewIPRateLimiter creates a limiter allowing r connections per second with
// the given burst, forgetting IPs idle for two cleanup intervals.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a transport from addr may start a handshake.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	if l == nil {
		return true
	}
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.sweep(now)
		case <-l.stopCh:
			return
		}
	}
}

// sweep drops IPs not seen for two cleanup intervals before now.
func (l *IPRateLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-2 * l.cleanup)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *IPRateLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
