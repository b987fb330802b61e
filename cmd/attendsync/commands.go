// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiletoly/go-attendsync/internal/app"
	"github.com/mobiletoly/go-attendsync/internal/config"
	"github.com/mobiletoly/go-attendsync/localstore"
	"github.com/mobiletoly/go-attendsync/syncengine"
	"github.com/spf13/cobra"
)

var envFiles []string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "attendsync",
		Short:        "Local-first attendance store with remote sync",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load (defaults to ./.env when present)")

	root.AddCommand(newSyncCmd(), newStatusCmd(), newServeCmd())
	return root
}

// setup loads the configuration and builds the components for one command.
func setup(ctx context.Context) (*app.Components, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	return app.Setup(ctx, cfg, cfg.Logger(os.Stderr))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var syncExample = `
  attendsync sync
  attendsync sync students`

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "sync [entity]",
		Short:     "Upload queued changes and download remote state",
		Example:   syncExample,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"offices", "levels", "students", "attendance"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind *localstore.Kind
			if len(args) == 1 {
				k, err := localstore.ParseKind(args[0])
				if err != nil {
					return err
				}
				kind = &k
			}

			ctx := cmd.Context()
			c, err := setup(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var out syncengine.Result
			if kind != nil {
				out = c.Engine.SyncEntity(ctx, *kind)
			} else {
				out = c.Engine.SyncAll(ctx)
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("sync incomplete: %s", out.Message)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued local changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			store, err := localstore.Open(cmd.Context(), cfg.DBPath, localstore.WithLogger(cfg.Logger(os.Stderr)))
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := localstore.NewOutbox(store).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API and sync whenever connectivity returns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			c, err := app.Setup(ctx, cfg, cfg.Logger(os.Stderr))
			if err != nil {
				return err
			}
			defer c.Close()

			httpServer := &http.Server{
				Addr:         cfg.HTTPAddr,
				Handler:      c.Handler,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 5 * time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			if c.Watcher != nil {
				c.Watcher.Start()
			}

			errCh := make(chan error, 1)
			go func() {
				c.Logger.Info("Starting attendsync control API", "addr", httpServer.Addr)
				c.Logger.Info("  POST /sync          - Sync every entity")
				c.Logger.Info("  POST /sync/{entity} - Sync one entity")
				c.Logger.Info("  GET  /sync/status   - Queued changes")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			c.Logger.Info("Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			c.Logger.Info("Server exited")
			return nil
		},
	}
}
