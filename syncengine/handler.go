// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-attendsync/localstore"
	"github.com/mobiletoly/go-attendsync/remote"
)

// ErrNotUploaded is returned for an UPDATE whose row has no remote id yet.
// The entry stays queued until the INSERT goes through.
var ErrNotUploaded = errors.New("row has not been uploaded yet")

// EntityHandler uploads and downloads one entity kind.
//
// Upload returns nil once the entry is resolved, including when it turned
// out to be obsolete; the engine then clears it. Any error keeps the entry
// queued for the next pass.
type EntityHandler interface {
	Kind() localstore.Kind
	Upload(ctx context.Context, entry localstore.OutboxEntry) error
	Download(ctx context.Context) (DownloadStats, error)
}

// DownloadStats counts what a download pass changed locally.
type DownloadStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
}

// DefaultHandlers builds the handlers for every entity kind.
func DefaultHandlers(store *localstore.Store, rem remote.Store, logger *slog.Logger) []EntityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return []EntityHandler{
		newCatalogHandler(localstore.KindOffices, store, rem, logger),
		newCatalogHandler(localstore.KindLevels, store, rem, logger),
		newStudentHandler(store, rem, logger),
		newAttendanceHandler(store, rem, logger),
	}
}

func unsupportedOp(kind localstore.Kind, op localstore.Op) error {
	return fmt.Errorf("unsupported %s operation %q", kind, op)
}

// newerThanLocal is the download conflict rule: remote values replace a local
// row only when the local row has nothing pending and the remote row is
// strictly newer.
func newerThanLocal(remoteModified, localModified time.Time, localState localstore.SyncState) bool {
	return localState == localstore.StateSynced && remoteModified.After(localModified)
}

// discardDuplicate applies the INSERT identity conflict policy: the remote
// copy wins and the local row is removed together with its queued changes.
func discardDuplicate(ctx context.Context, logger *slog.Logger, kind localstore.Kind, id string,
	deleteByUUID func(ctx context.Context, id string) error) error {
	logger.Info("Row already exists remotely, discarding local copy", "entity", kind.String(), "uuid", id)
	if err := deleteByUUID(ctx, id); err != nil {
		return fmt.Errorf("failed to discard duplicate %s %s: %w", kind, id, err)
	}
	return nil
}

// deleteTime picks the tombstone timestamp to send for a DELETE entry.
func deleteTime(local *time.Time, p localstore.Payload, now time.Time) time.Time {
	if local != nil {
		return *local
	}
	switch v := p.(type) {
	case localstore.CatalogPayload:
		if v.DeletedAt != nil {
			return *v.DeletedAt
		}
	case localstore.StudentPayload:
		if v.DeletedAt != nil {
			return *v.DeletedAt
		}
	}
	return now
}
