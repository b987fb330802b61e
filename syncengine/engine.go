// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncengine drains the local outbox into the remote store and then
// reconciles remote rows back into the local store.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mobiletoly/go-attendsync/connectivity"
	"github.com/mobiletoly/go-attendsync/localstore"
	"github.com/mobiletoly/go-attendsync/remote"
)

const (
	MessageAlreadyRunning = "sync already running"
	MessageOffline        = "no connection to the server"
)

// Config tunes an Engine.
type Config struct {
	// Handlers overrides the default per-kind handlers. Every kind in
	// localstore.Kinds must be covered.
	Handlers []EntityHandler

	StageMetrics    StageMetricsRecorder // optional per-stage timings sink
	LogStageTimings bool                 // log stage timings at debug level
}

// Result summarizes one sync pass.
type Result struct {
	Success     bool                     `json:"success"`
	Message     string                   `json:"message"`
	SyncedCount int                      `json:"syncedCount"`
	FailedCount int                      `json:"failedCount"`
	Downloaded  map[string]DownloadStats `json:"downloaded,omitempty"`
}

// Engine runs sync passes. Only one pass runs at a time; a concurrent call
// returns immediately with MessageAlreadyRunning.
type Engine struct {
	store    *localstore.Store
	outbox   *localstore.Outbox
	checker  connectivity.Checker
	handlers map[localstore.Kind]EntityHandler
	config   *Config
	logger   *slog.Logger

	inProgress atomic.Bool
}

// New creates an engine. A nil checker is treated as always connected.
func New(store *localstore.Store, rem remote.Store, checker connectivity.Checker, config *Config, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("local store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = store.Logger()
	}
	if checker == nil {
		checker = connectivity.Always
	}

	handlers := config.Handlers
	if len(handlers) == 0 {
		if rem == nil {
			return nil, fmt.Errorf("remote store is required")
		}
		handlers = DefaultHandlers(store, rem, logger)
	}

	e := &Engine{
		store:    store,
		outbox:   localstore.NewOutbox(store),
		checker:  checker,
		handlers: make(map[localstore.Kind]EntityHandler, len(handlers)),
		config:   config,
		logger:   logger,
	}
	for _, h := range handlers {
		if _, dup := e.handlers[h.Kind()]; dup {
			return nil, fmt.Errorf("duplicate handler for %s", h.Kind())
		}
		e.handlers[h.Kind()] = h
		logger.Debug("Registered entity handler", "entity", h.Kind().String())
	}
	for _, k := range localstore.Kinds {
		if _, ok := e.handlers[k]; !ok {
			return nil, fmt.Errorf("no handler registered for %s", k)
		}
	}
	return e, nil
}

// InProgress reports whether a pass is running.
func (e *Engine) InProgress() bool {
	return e.inProgress.Load()
}

// PendingCount returns the number of queued local changes.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.outbox.Count(ctx, nil)
}

// Stats returns the outbox breakdown.
func (e *Engine) Stats(ctx context.Context) (localstore.Stats, error) {
	return e.outbox.Stats(ctx)
}

// SyncAll uploads every queued change, then downloads every entity kind.
func (e *Engine) SyncAll(ctx context.Context) Result {
	return e.run(ctx, nil)
}

// SyncEntity is SyncAll restricted to one kind.
func (e *Engine) SyncEntity(ctx context.Context, kind localstore.Kind) Result {
	if _, ok := e.handlers[kind]; !ok {
		e.logger.Warn("Unknown entity requested", "entity", kind.String())
		return Result{Message: fmt.Sprintf("unknown entity %q", kind.String()), FailedCount: 1}
	}
	return e.run(ctx, &kind)
}

func (e *Engine) run(ctx context.Context, only *localstore.Kind) Result {
	if !e.inProgress.CompareAndSwap(false, true) {
		return Result{Message: MessageAlreadyRunning}
	}
	defer e.inProgress.Store(false)

	if !e.checker.IsConnected(ctx) {
		e.logger.Info("Skipping sync, backend unreachable")
		return Result{Message: MessageOffline}
	}

	start := e.stageStart()
	res := Result{Downloaded: map[string]DownloadStats{}}

	synced, failed := e.upload(ctx, only)
	res.SyncedCount += synced
	res.FailedCount += failed

	kinds := localstore.Kinds
	if only != nil {
		kinds = []localstore.Kind{*only}
	}
	for _, k := range kinds {
		dlStart := e.stageStart()
		stats, err := e.handlers[k].Download(ctx)
		e.observeStage(ctx, MetricsOpDownload, k.String(), dlStart, stats.Inserted+stats.Updated+stats.Deleted, err != nil)
		if err != nil {
			e.logger.Error("Download failed", "entity", k.String(), "error", err)
			res.FailedCount++
			continue
		}
		res.SyncedCount++
		res.Downloaded[k.String()] = stats
		e.logger.Debug("Downloaded", "entity", k.String(),
			"inserted", stats.Inserted, "updated", stats.Updated, "deleted", stats.Deleted, "skipped", stats.Skipped)
	}

	res.Success = res.FailedCount == 0
	if res.Success {
		res.Message = fmt.Sprintf("synced %d items", res.SyncedCount)
	} else {
		res.Message = fmt.Sprintf("synced %d items, %d failed", res.SyncedCount, res.FailedCount)
	}
	e.observeStage(ctx, MetricsOpSync, MetricsStageTotal, start, res.SyncedCount, !res.Success)
	e.logger.Info("Sync finished", "success", res.Success, "synced", res.SyncedCount, "failed", res.FailedCount)
	return res
}

type groupKey struct {
	entity string
	op     localstore.Op
}

// upload drains the outbox. Entries are grouped by (entity, operation) in
// order of first appearance and stay FIFO within a group. A failure never
// stops other entries or groups.
func (e *Engine) upload(ctx context.Context, only *localstore.Kind) (synced, failed int) {
	listStart := e.stageStart()
	entries, err := e.outbox.ListPending(ctx, only)
	e.observeStage(ctx, MetricsOpUpload, MetricsStageUploadList, listStart, len(entries), err != nil)
	if err != nil {
		e.logger.Error("Failed to read sync queue", "error", err)
		return 0, 1
	}
	if len(entries) == 0 {
		return 0, 0
	}

	var order []groupKey
	groups := map[groupKey][]localstore.OutboxEntry{}
	for _, entry := range entries {
		key := groupKey{entity: entry.Entity, op: entry.Op}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entry)
	}

	for _, key := range order {
		group := groups[key]
		groupStart := e.stageStart()
		handler, ok := e.handlers[group[0].Kind]
		if !ok {
			e.logger.Warn("Unknown entity in sync queue", "entity", key.entity, "op", key.op, "entries", len(group))
			failed++
			continue
		}

		groupFailed := 0
		for _, entry := range group {
			if err := e.uploadOne(ctx, handler, entry); err != nil {
				groupFailed++
				continue
			}
			synced++
		}
		failed += groupFailed
		e.observeStage(ctx, MetricsOpUpload, key.entity+"_"+string(key.op), groupStart, len(group), groupFailed > 0)
	}
	return synced, failed
}

func (e *Engine) uploadOne(ctx context.Context, handler EntityHandler, entry localstore.OutboxEntry) error {
	err := entry.DecodeErr
	if err == nil {
		err = handler.Upload(ctx, entry)
	}
	if err != nil {
		e.logger.Warn("Upload failed, keeping entry",
			"entity", entry.Entity, "op", entry.Op, "uuid", entry.EntityUUID, "id", entry.ID, "error", err)
		if markErr := e.outbox.MarkFailed(ctx, entry.ID, err); markErr != nil {
			e.logger.Error("Failed to record upload failure", "id", entry.ID, "error", markErr)
		}
		return err
	}
	if err := e.outbox.Clear(ctx, entry.ID); err != nil {
		e.logger.Error("Failed to clear sync queue entry", "id", entry.ID, "error", err)
		return err
	}
	return nil
}
