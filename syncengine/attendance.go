// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-attendsync/localstore"
	"github.com/mobiletoly/go-attendsync/remote"
)

// attendanceHandler syncs attendance records together with their student
// statuses. Locally records are hard-deleted; remotely they are soft-deleted.
type attendanceHandler struct {
	store  *localstore.Store
	repo   *localstore.AttendanceRepo
	remote remote.Store
	logger *slog.Logger
}

func newAttendanceHandler(store *localstore.Store, rem remote.Store, logger *slog.Logger) *attendanceHandler {
	return &attendanceHandler{store: store, repo: localstore.NewAttendance(store), remote: rem, logger: logger}
}

func (h *attendanceHandler) Kind() localstore.Kind { return localstore.KindAttendance }

func (h *attendanceHandler) Upload(ctx context.Context, entry localstore.OutboxEntry) error {
	switch entry.Op {
	case localstore.OpInsert:
		return h.uploadInsert(ctx, entry)
	case localstore.OpUpdate:
		return h.uploadUpdate(ctx, entry)
	case localstore.OpDelete:
		at := entry.Timestamp
		if at.IsZero() {
			at = h.store.Now()
		}
		if err := h.remote.SoftDelete(ctx, remote.TableAttendance, entry.EntityUUID, at); err != nil {
			return fmt.Errorf("failed to delete attendance record %s remotely: %w", entry.EntityUUID, err)
		}
		return nil
	}
	return unsupportedOp(localstore.KindAttendance, entry.Op)
}

// current loads the record and its statuses as they are now. Uploads always
// send current local state, so a record removed since the entry was queued
// has nothing left to send.
func (h *attendanceHandler) current(ctx context.Context, id string) (*localstore.AttendanceRecord, remote.AttendanceRow, error) {
	rec, err := h.repo.FindByUUID(ctx, id)
	if err != nil || rec == nil {
		return nil, remote.AttendanceRow{}, err
	}
	kids, err := h.repo.Children(ctx, id)
	if err != nil {
		return nil, remote.AttendanceRow{}, err
	}
	row := remote.AttendanceRow{
		UUID:       rec.UUID,
		Date:       rec.Date,
		OfficeUUID: rec.OfficeUUID,
		LevelUUID:  rec.LevelUUID,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	for _, k := range kids {
		row.Students = append(row.Students, remote.StudentAttendanceRow{
			StudentUUID: k.StudentUUID,
			Status:      string(k.Status),
			CreatedAt:   k.CreatedAt,
			UpdatedAt:   k.UpdatedAt,
		})
	}
	return rec, row, nil
}

func (h *attendanceHandler) uploadInsert(ctx context.Context, entry localstore.OutboxEntry) error {
	rec, row, err := h.current(ctx, entry.EntityUUID)
	if err != nil {
		return err
	}
	if rec == nil {
		h.logger.Debug("Dropping insert of an attendance record that no longer exists", "uuid", entry.EntityUUID)
		return nil
	}
	if rec.RemoteID != nil {
		return nil
	}

	created, err := h.remote.InsertAttendance(ctx, row)
	if remote.IsUniqueViolation(err) {
		return discardDuplicate(ctx, h.logger, localstore.KindAttendance, rec.UUID, h.repo.DeleteByUUID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert attendance record %s remotely: %w", rec.UUID, err)
	}
	return h.repo.SetRemoteID(ctx, rec.LocalID, created.ID)
}

func (h *attendanceHandler) uploadUpdate(ctx context.Context, entry localstore.OutboxEntry) error {
	rec, row, err := h.current(ctx, entry.EntityUUID)
	if err != nil {
		return err
	}
	if rec == nil {
		h.logger.Debug("Dropping update of an attendance record that no longer exists", "uuid", entry.EntityUUID)
		return nil
	}
	if rec.RemoteID == nil {
		return fmt.Errorf("attendance record %s: %w", rec.UUID, ErrNotUploaded)
	}

	matched, err := h.remote.UpdateAttendance(ctx, row)
	if err != nil {
		return fmt.Errorf("failed to update attendance record %s remotely: %w", rec.UUID, err)
	}
	if !matched {
		h.logger.Debug("Remote attendance record missing or deleted, dropping update", "uuid", rec.UUID)
		return nil
	}
	return h.repo.MarkSynced(ctx, rec.LocalID, localstore.StatePendingUpdate)
}

func (h *attendanceHandler) Download(ctx context.Context) (DownloadStats, error) {
	var stats DownloadStats
	active, err := h.remote.ListAttendance(ctx, remote.Active)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch attendance records: %w", err)
	}
	deleted, err := h.remote.ListAttendance(ctx, remote.Deleted)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch deleted attendance records: %w", err)
	}

	err = h.store.RunInTx(ctx, func(tx *sql.Tx) error {
		repo := h.repo.WithTx(tx)
		offices := localstore.NewOffices(h.store).WithTx(tx)
		levels := localstore.NewLevels(h.store).WithTx(tx)

		for _, row := range active {
			known, err := parentsKnown(ctx, offices, levels, row.OfficeUUID, row.LevelUUID)
			if err != nil {
				return err
			}
			if !known {
				h.logger.Warn("Skipping attendance record with unknown office or level",
					"uuid", row.UUID, "office_uuid", row.OfficeUUID, "level_uuid", row.LevelUUID)
				stats.Skipped++
				continue
			}
			if err := h.applyActive(ctx, repo, row, &stats); err != nil {
				return err
			}
		}
		for _, row := range deleted {
			local, err := repo.FindByUUID(ctx, row.UUID)
			if err != nil {
				return err
			}
			if local == nil {
				continue
			}
			if err := repo.DeleteByUUID(ctx, row.UUID); err != nil {
				return err
			}
			stats.Deleted++
		}
		return nil
	})
	if err != nil {
		return DownloadStats{}, err
	}
	return stats, nil
}

func (h *attendanceHandler) applyActive(ctx context.Context, repo *localstore.AttendanceRepo, row remote.AttendanceRow, stats *DownloadStats) error {
	id := row.ID
	rec := localstore.AttendanceRecord{
		UUID:       row.UUID,
		Date:       row.Date,
		OfficeUUID: row.OfficeUUID,
		LevelUUID:  row.LevelUUID,
		RemoteID:   &id,
		SyncState:  localstore.StateSynced,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	kids := make([]localstore.StudentAttendance, 0, len(row.Students))
	for _, s := range row.Students {
		kids = append(kids, localstore.StudentAttendance{
			StudentUUID: s.StudentUUID,
			Status:      localstore.AttendanceStatus(s.Status),
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
		})
	}

	// Another local record may already hold the (date, office, level) key.
	holder, err := repo.GetByKey(ctx, rec.Date, rec.OfficeUUID, rec.LevelUUID)
	if err != nil {
		return err
	}
	keyTaken := holder != nil && holder.UUID != rec.UUID

	local, err := repo.FindByUUID(ctx, row.UUID)
	if err != nil {
		return err
	}
	if local == nil {
		if keyTaken {
			h.logger.Warn("Skipping attendance record whose key is held by a local record",
				"uuid", rec.UUID, "local_uuid", holder.UUID, "date", rec.Date)
			stats.Skipped++
			return nil
		}
		inserted, err := repo.InsertIfAbsent(ctx, rec, kids)
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
	if keyTaken || !newerThanLocal(rec.LastModified(), local.LastModified(), local.SyncState) {
		return nil
	}
	applied, err := repo.ApplyRemote(ctx, rec, kids)
	if err != nil {
		return err
	}
	if applied {
		stats.Updated++
	}
	return nil
}

func parentsKnown(ctx context.Context, offices, levels *localstore.CatalogRepo, officeUUID, levelUUID string) (bool, error) {
	office, err := offices.FindByUUID(ctx, officeUUID)
	if err != nil || office == nil {
		return false, err
	}
	level, err := levels.FindByUUID(ctx, levelUUID)
	if err != nil || level == nil {
		return false, err
	}
	return true, nil
}
