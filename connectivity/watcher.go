// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Watcher polls a Checker on a schedule and calls OnReconnect each time the
// backend becomes reachable after being unreachable. The state before the
// first probe counts as unreachable, so a reachable backend at startup also
// triggers OnReconnect.
type Watcher struct {
	checker     Checker
	onReconnect func(ctx context.Context)
	timeout     time.Duration
	logger      *slog.Logger

	cron *cron.Cron

	mu     sync.Mutex
	online bool
}

// NewWatcher creates a watcher probing every interval. Each tick gets its own
// context bounded by timeout.
func NewWatcher(checker Checker, interval, timeout time.Duration, onReconnect func(ctx context.Context), logger *slog.Logger) (*Watcher, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("watch interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	w := &Watcher{
		checker:     checker,
		onReconnect: onReconnect,
		timeout:     timeout,
		logger:      logger,
	}
	cl := cronLogger{logger: logger}
	w.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	if _, err := w.cron.AddFunc("@every "+interval.String(), w.tick); err != nil {
		return nil, fmt.Errorf("failed to schedule connectivity probe: %w", err)
	}
	return w, nil
}

func (w *Watcher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	w.Probe(ctx)
}

// Probe checks connectivity once, fires OnReconnect on an offline to online
// transition and returns the current state.
func (w *Watcher) Probe(ctx context.Context) bool {
	online := w.checker.IsConnected(ctx)

	w.mu.Lock()
	reconnected := online && !w.online
	if online != w.online {
		w.logger.Info("Connectivity changed", "online", online)
	}
	w.online = online
	w.mu.Unlock()

	if reconnected && w.onReconnect != nil {
		w.onReconnect(ctx)
	}
	return online
}

// Online returns the state seen by the last probe.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Start begins polling in the background.
func (w *Watcher) Start() {
	w.cron.Start()
}

// Stop stops polling and waits for a running probe to finish or ctx to end.
func (w *Watcher) Stop(ctx context.Context) {
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
