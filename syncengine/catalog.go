// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-attendsync/localstore"
	"github.com/mobiletoly/go-attendsync/remote"
)

// catalogHandler syncs offices or levels.
type catalogHandler struct {
	kind   localstore.Kind
	table  string
	store  *localstore.Store
	repo   *localstore.CatalogRepo
	remote remote.Store
	logger *slog.Logger
}

func newCatalogHandler(kind localstore.Kind, store *localstore.Store, rem remote.Store, logger *slog.Logger) *catalogHandler {
	repo := localstore.NewOffices(store)
	table := remote.TableOffices
	if kind == localstore.KindLevels {
		repo = localstore.NewLevels(store)
		table = remote.TableLevels
	}
	return &catalogHandler{kind: kind, table: table, store: store, repo: repo, remote: rem, logger: logger}
}

func (h *catalogHandler) Kind() localstore.Kind { return h.kind }

func (h *catalogHandler) Upload(ctx context.Context, entry localstore.OutboxEntry) error {
	switch entry.Op {
	case localstore.OpInsert:
		return h.uploadInsert(ctx, entry)
	case localstore.OpUpdate:
		return h.uploadUpdate(ctx, entry)
	case localstore.OpDelete:
		return h.uploadDelete(ctx, entry)
	}
	return unsupportedOp(h.kind, entry.Op)
}

func catalogRow(item localstore.CatalogItem) remote.CatalogRow {
	return remote.CatalogRow{
		UUID:      item.UUID,
		Name:      item.Name,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
		DeletedAt: item.DeletedAt,
	}
}

func (h *catalogHandler) uploadInsert(ctx context.Context, entry localstore.OutboxEntry) error {
	item, err := h.repo.FindByUUID(ctx, entry.EntityUUID)
	if err != nil {
		return err
	}
	if item == nil {
		h.logger.Debug("Dropping insert of a row that no longer exists", "entity", h.kind.String(), "uuid", entry.EntityUUID)
		return nil
	}
	if item.RemoteID != nil {
		// Confirmed earlier; only the queue entry survived.
		return nil
	}

	created, err := h.remote.InsertCatalog(ctx, h.table, catalogRow(*item))
	if remote.IsUniqueViolation(err) {
		return discardDuplicate(ctx, h.logger, h.kind, item.UUID, h.repo.DeleteByUUID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert %s %s remotely: %w", h.kind, item.UUID, err)
	}
	return h.repo.SetRemoteID(ctx, item.LocalID, created.ID)
}

func (h *catalogHandler) uploadUpdate(ctx context.Context, entry localstore.OutboxEntry) error {
	item, err := h.repo.FindByUUID(ctx, entry.EntityUUID)
	if err != nil {
		return err
	}
	if item == nil {
		h.logger.Debug("Dropping update of a row that no longer exists", "entity", h.kind.String(), "uuid", entry.EntityUUID)
		return nil
	}
	if item.RemoteID == nil {
		return fmt.Errorf("%s %s: %w", h.kind, item.UUID, ErrNotUploaded)
	}

	matched, err := h.remote.UpdateCatalog(ctx, h.table, catalogRow(*item))
	if err != nil {
		return fmt.Errorf("failed to update %s %s remotely: %w", h.kind, item.UUID, err)
	}
	if !matched {
		h.logger.Debug("Remote row missing or deleted, dropping update", "entity", h.kind.String(), "uuid", item.UUID)
		return nil
	}
	return h.repo.MarkSynced(ctx, item.LocalID, localstore.StatePendingUpdate)
}

func (h *catalogHandler) uploadDelete(ctx context.Context, entry localstore.OutboxEntry) error {
	item, err := h.repo.FindByUUID(ctx, entry.EntityUUID)
	if err != nil {
		return err
	}
	var localDeleted *time.Time
	if item != nil {
		localDeleted = item.DeletedAt
	}
	at := deleteTime(localDeleted, entry.Payload, h.store.Now())
	if err := h.remote.SoftDelete(ctx, h.table, entry.EntityUUID, at); err != nil {
		return fmt.Errorf("failed to delete %s %s remotely: %w", h.kind, entry.EntityUUID, err)
	}
	if item == nil {
		return nil
	}
	return h.repo.MarkSynced(ctx, item.LocalID, localstore.StatePendingDelete)
}

func (h *catalogHandler) Download(ctx context.Context) (DownloadStats, error) {
	var stats DownloadStats
	active, err := h.remote.ListCatalog(ctx, h.table, remote.Active)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch %s: %w", h.table, err)
	}
	deleted, err := h.remote.ListCatalog(ctx, h.table, remote.Deleted)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch deleted %s: %w", h.table, err)
	}

	err = h.store.RunInTx(ctx, func(tx *sql.Tx) error {
		repo := h.repo.WithTx(tx)
		for _, row := range active {
			if err := h.applyActive(ctx, repo, row, &stats); err != nil {
				return err
			}
		}
		for _, row := range deleted {
			if row.DeletedAt == nil {
				continue
			}
			id := row.ID
			changed, err := repo.MarkRemoteDeleted(ctx, row.UUID, &id, *row.DeletedAt)
			if err != nil {
				return err
			}
			if changed {
				stats.Deleted++
			}
		}
		return nil
	})
	if err != nil {
		return DownloadStats{}, err
	}
	return stats, nil
}

func (h *catalogHandler) applyActive(ctx context.Context, repo *localstore.CatalogRepo, row remote.CatalogRow, stats *DownloadStats) error {
	id := row.ID
	incoming := localstore.CatalogItem{
		Meta: localstore.Meta{
			UUID:      row.UUID,
			RemoteID:  &id,
			SyncState: localstore.StateSynced,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
		Name: row.Name,
	}

	// Another live local row may already hold the name.
	holder, err := repo.FindActiveByName(ctx, row.Name)
	if err != nil {
		return err
	}
	nameTaken := holder != nil && holder.UUID != row.UUID

	local, err := repo.FindByUUID(ctx, row.UUID)
	if err != nil {
		return err
	}
	if local == nil {
		if nameTaken {
			h.logger.Warn("Skipping row whose name is held by a local row",
				"entity", h.kind.String(), "uuid", row.UUID, "local_uuid", holder.UUID, "name", row.Name)
			stats.Skipped++
			return nil
		}
		inserted, err := repo.InsertIfAbsent(ctx, incoming)
		if err != nil {
			return err
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Skipped++
		}
		return nil
	}
	if nameTaken || local.Deleted() || !newerThanLocal(incoming.LastModified(), local.LastModified(), local.SyncState) {
		return nil
	}
	applied, err := repo.ApplyRemoteFields(ctx, incoming)
	if err != nil {
		return err
	}
	if applied {
		stats.Updated++
	}
	return nil
}
