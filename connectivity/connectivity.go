// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package connectivity answers "can we reach the backend right now" and
// notices when the answer flips from no to yes.
package connectivity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Checker reports whether the remote backend is reachable.
type Checker interface {
	IsConnected(ctx context.Context) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) bool

func (f CheckerFunc) IsConnected(ctx context.Context) bool { return f(ctx) }

// Always is a Checker that is always connected.
var Always Checker = CheckerFunc(func(context.Context) bool { return true })

// Switch is a manually controlled Checker.
type Switch struct {
	online atomic.Bool
}

// NewSwitch returns a Switch in the given state.
func NewSwitch(online bool) *Switch {
	s := &Switch{}
	s.online.Store(online)
	return s
}

func (s *Switch) Set(online bool) { s.online.Store(online) }

func (s *Switch) IsConnected(context.Context) bool { return s.online.Load() }

// Pinger is anything that can probe the backend, such as remote.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker considers the backend reachable when Ping succeeds within the
// timeout.
type PingChecker struct {
	pinger  Pinger
	timeout time.Duration
	logger  *slog.Logger
}

// NewPingChecker creates a PingChecker. A zero timeout means 5 seconds.
func NewPingChecker(p Pinger, timeout time.Duration, logger *slog.Logger) *PingChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PingChecker{pinger: p, timeout: timeout, logger: logger}
}

func (c *PingChecker) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.pinger.Ping(ctx); err != nil {
		c.logger.Debug("Backend unreachable", "error", err)
		return false
	}
	return true
}
