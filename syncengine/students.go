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

type studentHandler struct {
	store  *localstore.Store
	repo   *localstore.StudentRepo
	remote remote.Store
	logger *slog.Logger
}

func newStudentHandler(store *localstore.Store, rem remote.Store, logger *slog.Logger) *studentHandler {
	return &studentHandler{store: store, repo: localstore.NewStudents(store), remote: rem, logger: logger}
}

func (h *studentHandler) Kind() localstore.Kind { return localstore.KindStudents }

func (h *studentHandler) Upload(ctx context.Context, entry localstore.OutboxEntry) error {
	switch entry.Op {
	case localstore.OpInsert:
		return h.uploadInsert(ctx, entry)
	case localstore.OpUpdate:
		return h.uploadUpdate(ctx, entry)
	case localstore.OpDelete:
		return h.uploadDelete(ctx, entry)
	}
	return unsupportedOp(localstore.KindStudents, entry.Op)
}

func studentRow(s localstore.Student) remote.StudentRow {
	return remote.StudentRow{
		UUID:       s.UUID,
		Name:       s.Name,
		OfficeUUID: s.OfficeUUID,
		LevelUUID:  s.LevelUUID,
		BirthDate:  s.BirthDate,
		Phone:      s.Phone,
		Address:    s.Address,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		DeletedAt:  s.DeletedAt,
	}
}

func (h *studentHandler) uploadInsert(ctx context.Context, entry localstore.OutboxEntry) error {
	s, err := h.repo.FindByUUID(ctx, entry.EntityUUID)
	if err != nil {
		return err
	}
	if s == nil {
		h.logger.Debug("Dropping insert of a student that no longer exists", "uuid", entry.EntityUUID)
		return nil
	}
	if s.RemoteID != nil {
		return nil
	}

	created, err := h.remote.InsertStudent(ctx, studentRow(*s))
	if remote.IsUniqueViolation(err) {
		return discardDuplicate(ctx, h.logger, localstore.KindStudents, s.UUID, h.repo.DeleteByUUID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert student %s remotely: %w", s.UUID, err)
	}
	return h.repo.SetRemoteID(ctx, s.LocalID, created.ID)
}

func (h *studentHandler) uploadUpdate(ctx context.Context, entry localstore.OutboxEntry) error {
	s, err := h.repo.FindByUUID(ctx, entry.EntityUUID)
	if err != nil {
		return err
	}
	if s == nil {
		h.logger.Debug("Dropping update of a student that no longer exists", "uuid", entry.EntityUUID)
		return nil
	}
	if s.RemoteID == nil {
		return fmt.Errorf("student %s: %w", s.UUID, ErrNotUploaded)
	}

	matched, err := h.remote.UpdateStudent(ctx, studentRow(*s))
	if err != nil {
		return fmt.Errorf("failed to update student %s remotely: %w", s.UUID, err)
	}
	if !matched {
		h.logger.Debug("Remote student missing or deleted, dropping update", "uuid", s.UUID)
		return nil
	}
	return h.repo.MarkSynced(ctx, s.LocalID, localstore.StatePendingUpdate)
}

func (h *studentHandler) uploadDelete(ctx context.Context, entry localstore.OutboxEntry) error {
	s, err := h.repo.FindByUUID(ctx, entry.EntityUUID)
	if err != nil {
		return err
	}
	var localDeleted *time.Time
	if s != nil {
		localDeleted = s.DeletedAt
	}
	at := deleteTime(localDeleted, entry.Payload, h.store.Now())
	if err := h.remote.SoftDelete(ctx, remote.TableStudents, entry.EntityUUID, at); err != nil {
		return fmt.Errorf("failed to delete student %s remotely: %w", entry.EntityUUID, err)
	}
	if s == nil {
		return nil
	}
	return h.repo.MarkSynced(ctx, s.LocalID, localstore.StatePendingDelete)
}

func (h *studentHandler) Download(ctx context.Context) (DownloadStats, error) {
	var stats DownloadStats
	active, err := h.remote.ListStudents(ctx, remote.Active)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch students: %w", err)
	}
	deleted, err := h.remote.ListStudents(ctx, remote.Deleted)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch deleted students: %w", err)
	}

	err = h.store.RunInTx(ctx, func(tx *sql.Tx) error {
		repo := h.repo.WithTx(tx)
		offices := localstore.NewOffices(h.store).WithTx(tx)
		levels := localstore.NewLevels(h.store).WithTx(tx)

		for _, row := range active {
			officeUUID, err := resolveParent(ctx, offices, row.OfficeUUID, row.OfficeID)
			if err != nil {
				return err
			}
			levelUUID, err := resolveParent(ctx, levels, row.LevelUUID, row.LevelID)
			if err != nil {
				return err
			}
			if officeUUID == "" || levelUUID == "" {
				h.logger.Warn("Skipping student with unknown office or level",
					"uuid", row.UUID, "office_id", row.OfficeID, "level_id", row.LevelID)
				stats.Skipped++
				continue
			}
			if err := h.applyActive(ctx, repo, row, officeUUID, levelUUID, &stats); err != nil {
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

func (h *studentHandler) applyActive(ctx context.Context, repo *localstore.StudentRepo, row remote.StudentRow,
	officeUUID, levelUUID string, stats *DownloadStats) error {
	id := row.ID
	incoming := localstore.Student{
		Meta: localstore.Meta{
			UUID:      row.UUID,
			RemoteID:  &id,
			SyncState: localstore.StateSynced,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
		Name:       row.Name,
		OfficeUUID: officeUUID,
		LevelUUID:  levelUUID,
		BirthDate:  row.BirthDate,
		Phone:      row.Phone,
		Address:    row.Address,
	}

	// Another live local student may already hold (name, office, level).
	holder, err := repo.FindActiveByKey(ctx, row.Name, officeUUID, levelUUID)
	if err != nil {
		return err
	}
	keyTaken := holder != nil && holder.UUID != row.UUID

	local, err := repo.FindByUUID(ctx, row.UUID)
	if err != nil {
		return err
	}
	if local == nil {
		if keyTaken {
			h.logger.Warn("Skipping student whose key is held by a local student",
				"uuid", row.UUID, "local_uuid", holder.UUID, "name", row.Name)
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
	if keyTaken || local.Deleted() || !newerThanLocal(incoming.LastModified(), local.LastModified(), local.SyncState) {
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

// resolveParent maps a remote parent reference to a local uuid: by uuid
// first, then by remote id. It returns "" when neither is known locally.
func resolveParent(ctx context.Context, repo *localstore.CatalogRepo, id string, remoteID int64) (string, error) {
	if id != "" {
		item, err := repo.FindByUUID(ctx, id)
		if err != nil {
			return "", err
		}
		if item != nil {
			return item.UUID, nil
		}
	}
	if remoteID != 0 {
		item, err := repo.FindByRemoteID(ctx, remoteID)
		if err != nil {
			return "", err
		}
		if item != nil {
			return item.UUID, nil
		}
	}
	return "", nil
}
