// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package app wires the local store, the remote store, the sync engine, the
// reconnect watcher and the control API from a config.Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mobiletoly/go-attendsync/connectivity"
	"github.com/mobiletoly/go-attendsync/internal/auth"
	"github.com/mobiletoly/go-attendsync/internal/config"
	"github.com/mobiletoly/go-attendsync/internal/httpapi"
	"github.com/mobiletoly/go-attendsync/localstore"
	"github.com/mobiletoly/go-attendsync/remote"
	"github.com/mobiletoly/go-attendsync/remote/pgremote"
	"github.com/mobiletoly/go-attendsync/remote/restremote"
	"github.com/mobiletoly/go-attendsync/syncengine"
)

const serviceSubject = "attendsync"

// Components holds the initialized runtime pieces
type Components struct {
	Store   *localstore.Store
	Remote  remote.Store
	Checker connectivity.Checker
	Engine  *syncengine.Engine
	Watcher *connectivity.Watcher // nil when the watch interval is zero
	Handler http.Handler
	Logger  *slog.Logger

	closers []func()
}

// Setup connects to the configured remote and assembles every component
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var rem remote.Store
	var closers []func()
	switch cfg.Remote {
	case config.RemotePostgres:
		pg, err := pgremote.Connect(ctx, pgremote.Config{DatabaseURL: cfg.DatabaseURL}, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		rem = pg
		closers = append(closers, pg.Close)
	case config.RemoteREST:
		opts := []restremote.Option{restremote.WithLogger(logger)}
		if cfg.JWTSecret != "" {
			tokens := auth.NewTokenSource(auth.NewJWTAuth(cfg.JWTSecret), serviceSubject, cfg.JWTRole, 0)
			opts = append(opts, restremote.WithTokenProvider(tokens))
		}
		rem = restremote.New(cfg.RESTURL, cfg.RESTAPIKey, opts...)
	default:
		return nil, fmt.Errorf("unsupported remote %q", cfg.Remote)
	}

	components, err := SetupWithRemote(ctx, cfg, rem, logger)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}
	components.closers = append(components.closers, closers...)
	return components, nil
}

// SetupWithRemote assembles the components around an already built remote
// store. Tests use it with an in-memory remote.
func SetupWithRemote(ctx context.Context, cfg *config.Config, rem remote.Store, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := localstore.Open(ctx, cfg.DBPath, localstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	checker := connectivity.NewPingChecker(rem, cfg.PingTimeout, logger)
	engine, err := syncengine.New(store, rem, checker, &syncengine.Config{
		LogStageTimings: cfg.LogLevel == "debug",
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	c := &Components{
		Store:   store,
		Remote:  rem,
		Checker: checker,
		Engine:  engine,
		Logger:  logger,
	}
	c.closers = append(c.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close local store", "error", err)
		}
	})

	if cfg.WatchInterval > 0 {
		c.Watcher, err = connectivity.NewWatcher(checker, cfg.WatchInterval, 0, c.syncOnReconnect, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	var jwtAuth *auth.JWTAuth
	if cfg.APISecret != "" {
		jwtAuth = auth.NewJWTAuth(cfg.APISecret)
	} else {
		logger.Warn("Control API is not protected, set " + config.EnvAPISecret + " to require tokens")
	}
	c.Handler = httpapi.NewMux(httpapi.NewHandlers(engine, logger), httpapi.Options{
		Auth:        jwtAuth,
		LogRequests: cfg.LogLevel == "debug",
	})
	return c, nil
}

func (c *Components) syncOnReconnect(ctx context.Context) {
	c.Logger.Info("Connectivity restored, starting sync")
	res := c.Engine.SyncAll(ctx)
	if !res.Success {
		c.Logger.Warn("Reconnect sync incomplete", "message", res.Message, "failed", res.FailedCount)
	}
}

// Close stops the watcher and releases the stores.
func (c *Components) Close() {
	if c.Watcher != nil {
		c.Watcher.Stop(context.Background())
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
