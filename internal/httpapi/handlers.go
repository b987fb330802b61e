// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the sync engine over HTTP so an operator or a
// companion app can trigger syncs and read outbox state.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mobiletoly/go-attendsync/internal/auth"
	"github.com/mobiletoly/go-attendsync/localstore"
	"github.com/mobiletoly/go-attendsync/syncengine"
)

// Syncer is the part of *syncengine.Engine the handlers need.
type Syncer interface {
	SyncAll(ctx context.Context) syncengine.Result
	SyncEntity(ctx context.Context, kind localstore.Kind) syncengine.Result
	InProgress() bool
	PendingCount(ctx context.Context) (int, error)
	Stats(ctx context.Context) (localstore.Stats, error)
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse is returned by GET /sync/status
type StatusResponse struct {
	InProgress bool             `json:"inProgress"`
	Pending    int              `json:"pending"`
	Stats      localstore.Stats `json:"stats"`
}

// Handlers serves the control API
type Handlers struct {
	engine Syncer
	logger *slog.Logger
}

// NewHandlers creates the control API handlers
func NewHandlers(engine Syncer, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: engine, logger: logger}
}

// Options configures NewMux.
type Options struct {
	// Auth guards every /sync route when set.
	Auth *auth.JWTAuth
	// LogRequests logs each request and response.
	LogRequests bool
}

// NewMux registers the control API routes
func NewMux(h *Handlers, opts Options) *http.ServeMux {
	wrap := func(next http.HandlerFunc) http.Handler {
		var handler http.Handler = next
		if opts.Auth != nil {
			handler = opts.Auth.Middleware(handler)
		}
		return LoggingMiddleware(opts.LogRequests, handler, h.logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HandleHealth)
	mux.Handle("POST /sync", wrap(h.HandleSyncAll))
	mux.Handle("POST /sync/{kind}", wrap(h.HandleSyncEntity))
	mux.Handle("GET /sync/status", wrap(h.HandleStatus))
	return mux
}

// HandleSyncAll runs a full sync pass
func (h *Handlers) HandleSyncAll(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.engine.SyncAll(r.Context()))
}

// HandleSyncEntity runs a sync pass for the kind named in the path
func (h *Handlers) HandleSyncEntity(w http.ResponseWriter, r *http.Request) {
	kind, err := localstore.ParseKind(r.PathValue("kind"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	h.writeResult(w, h.engine.SyncEntity(r.Context(), kind))
}

// HandleStatus reports whether a pass is running and what is queued
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.PendingCount(r.Context())
	if err != nil {
		h.logger.Error("Failed to count pending changes", "error", err)
		h.writeError(w, http.StatusInternalServerError, "status_failed", "Failed to read sync queue")
		return
	}
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to read outbox stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "status_failed", "Failed to read sync queue")
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{
		InProgress: h.engine.InProgress(),
		Pending:    pending,
		Stats:      stats,
	})
}

// writeResult maps a sync result to a status code. A pass that ran but had
// failures is still 200; the body carries the counts.
func (h *Handlers) writeResult(w http.ResponseWriter, res syncengine.Result) {
	status := http.StatusOK
	switch res.Message {
	case syncengine.MessageAlreadyRunning:
		status = http.StatusConflict
	case syncengine.MessageOffline:
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, res)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

// HandleHealth provides a simple health check endpoint
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "healthy", "service": "attendsync"}`))
}
