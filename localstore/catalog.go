// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CatalogInput describes an office or level mutation.
type CatalogInput struct {
	Name string `validate:"required,max=200"`

	// Bootstrap only: a row already known remotely is stored as synced and
	// is not queued for upload.
	UUID     string `validate:"omitempty,uuid"`
	RemoteID *int64
}

// CatalogRepo manages offices or levels. Names are unique among active rows.
type CatalogRepo struct {
	scope
	kind Kind
}

// NewOffices returns the offices repository.
func NewOffices(store *Store) *CatalogRepo {
	return &CatalogRepo{scope: scope{store: store}, kind: KindOffices}
}

// NewLevels returns the levels repository.
func NewLevels(store *Store) *CatalogRepo {
	return &CatalogRepo{scope: scope{store: store}, kind: KindLevels}
}

// Kind returns KindOffices or KindLevels.
func (r *CatalogRepo) Kind() Kind { return r.kind }

// WithTx returns a copy of the repository bound to tx.
func (r *CatalogRepo) WithTx(tx *sql.Tx) *CatalogRepo {
	return &CatalogRepo{scope: scope{store: r.store, tx: tx}, kind: r.kind}
}

func (r *CatalogRepo) selectSQL(where string) string {
	return fmt.Sprintf(`SELECT %s, name FROM %s WHERE %s`, metaColumns, r.kind.Table(), where)
}

func scanCatalog(row rowScanner) (CatalogItem, error) {
	var (
		item CatalogItem
		m    metaScan
	)
	dest := append(m.dest(&item.Meta), &item.Name)
	if err := row.Scan(dest...); err != nil {
		return item, err
	}
	if err := m.fill(&item.Meta); err != nil {
		return item, err
	}
	return item, nil
}

func (r *CatalogRepo) queryOne(ctx context.Context, q querier, where string, args ...any) (*CatalogItem, error) {
	item, err := scanCatalog(q.QueryRowContext(ctx, r.selectSQL(where), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", r.kind, err)
	}
	return &item, nil
}

// List returns active rows ordered by name.
func (r *CatalogRepo) List(ctx context.Context) ([]CatalogItem, error) {
	rows, err := r.q().QueryContext(ctx, r.selectSQL(`deleted_at IS NULL ORDER BY name COLLATE NOCASE, id`))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.kind, err)
	}
	defer rows.Close()

	var items []CatalogItem
	for rows.Next() {
		item, err := scanCatalog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", r.kind, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", r.kind, err)
	}
	return items, nil
}

// Get returns an active row by local id.
func (r *CatalogRepo) Get(ctx context.Context, localID int64) (CatalogItem, error) {
	item, err := r.queryOne(ctx, r.q(), `id = ? AND deleted_at IS NULL`, localID)
	if err != nil {
		return CatalogItem{}, err
	}
	if item == nil {
		return CatalogItem{}, notFound(r.kind, localID)
	}
	return *item, nil
}

// GetByUUID returns an active row by uuid.
func (r *CatalogRepo) GetByUUID(ctx context.Context, id string) (CatalogItem, error) {
	item, err := r.queryOne(ctx, r.q(), `uuid = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return CatalogItem{}, err
	}
	if item == nil {
		return CatalogItem{}, notFound(r.kind, id)
	}
	return *item, nil
}

// FindByUUID returns the row with the given uuid, tombstones included, or nil.
func (r *CatalogRepo) FindByUUID(ctx context.Context, id string) (*CatalogItem, error) {
	return r.queryOne(ctx, r.q(), `uuid = ?`, id)
}

// FindByRemoteID returns the row with the given remote id, tombstones included, or nil.
func (r *CatalogRepo) FindByRemoteID(ctx context.Context, remoteID int64) (*CatalogItem, error) {
	return r.queryOne(ctx, r.q(), `remote_id = ?`, remoteID)
}

// FindActiveByName returns the live row holding name, or nil.
func (r *CatalogRepo) FindActiveByName(ctx context.Context, name string) (*CatalogItem, error) {
	return r.queryOne(ctx, r.q(), `name = ? AND deleted_at IS NULL`, strings.TrimSpace(name))
}

func (r *CatalogRepo) nameTaken(ctx context.Context, q querier, name string, exceptID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE name = ? AND deleted_at IS NULL AND id <> ?`, r.kind.Table()),
		name, exceptID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s name: %w", r.kind, err)
	}
	return n > 0, nil
}

func (r *CatalogRepo) duplicateName(name string) error {
	return duplicateError("name", fmt.Sprintf("%s named %q already exists", r.kind, name))
}

// Insert creates a row and queues it for upload.
func (r *CatalogRepo) Insert(ctx context.Context, in CatalogInput) (CatalogItem, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateStruct(in); err != nil {
		return CatalogItem{}, err
	}

	now := r.store.Now()
	item := CatalogItem{
		Meta: Meta{
			UUID:      in.UUID,
			RemoteID:  in.RemoteID,
			SyncState: StatePendingInsert,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Name: in.Name,
	}
	if item.UUID == "" {
		item.UUID = uuid.NewString()
	}
	if in.RemoteID != nil {
		item.SyncState = StateSynced
	}

	err := r.run(ctx, func(q querier, outbox *Outbox) error {
		taken, err := r.nameTaken(ctx, q, item.Name, 0)
		if err != nil {
			return err
		}
		if taken {
			return r.duplicateName(item.Name)
		}

		res, err := q.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (uuid, name, remote_id, sync_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`, r.kind.Table()),
			item.UUID, item.Name, nullInt64(item.RemoteID), string(item.SyncState),
			formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraint(err) {
				return duplicateError("uuid", fmt.Sprintf("%s %s already exists", r.kind, item.UUID))
			}
			return fmt.Errorf("failed to insert %s: %w", r.kind, err)
		}
		if item.LocalID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read %s id: %w", r.kind, err)
		}

		if item.SyncState != StatePendingInsert {
			return nil
		}
		_, err = outbox.Enqueue(ctx, OutboxEntry{
			Kind:          r.kind,
			EntityLocalID: &item.LocalID,
			EntityUUID:    item.UUID,
			Op:            OpInsert,
			Payload:       catalogPayload(item),
		})
		return err
	})
	if err != nil {
		return CatalogItem{}, err
	}
	return item, nil
}

// Update renames an active row and queues a collapsed UPDATE.
func (r *CatalogRepo) Update(ctx context.Context, localID int64, in CatalogInput) (CatalogItem, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateStruct(in); err != nil {
		return CatalogItem{}, err
	}

	var item CatalogItem
	err := r.run(ctx, func(q querier, outbox *Outbox) error {
		current, err := r.queryOne(ctx, q, `id = ? AND deleted_at IS NULL`, localID)
		if err != nil {
			return err
		}
		if current == nil {
			return notFound(r.kind, localID)
		}
		taken, err := r.nameTaken(ctx, q, in.Name, localID)
		if err != nil {
			return err
		}
		if taken {
			return r.duplicateName(in.Name)
		}

		item = *current
		item.Name = in.Name
		item.UpdatedAt = r.store.Now()
		item.SyncState = StatePendingUpdate

		if _, err := q.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET name = ?, updated_at = ?, sync_state = ? WHERE id = ?`, r.kind.Table()),
			item.Name, formatTime(item.UpdatedAt), string(item.SyncState), item.LocalID,
		); err != nil {
			return fmt.Errorf("failed to update %s: %w", r.kind, err)
		}

		_, err = outbox.EnqueueCollapsed(ctx, OutboxEntry{
			Kind:           r.kind,
			EntityLocalID:  &item.LocalID,
			EntityUUID:     item.UUID,
			EntityRemoteID: item.RemoteID,
			Op:             OpUpdate,
			Payload:        catalogPayload(item),
		})
		return err
	})
	if err != nil {
		return CatalogItem{}, err
	}
	return item, nil
}

// Delete soft-deletes an active row and queues a DELETE.
func (r *CatalogRepo) Delete(ctx context.Context, localID int64) error {
	return r.run(ctx, func(q querier, outbox *Outbox) error {
		current, err := r.queryOne(ctx, q, `id = ? AND deleted_at IS NULL`, localID)
		if err != nil {
			return err
		}
		if current == nil {
			return notFound(r.kind, localID)
		}

		now := r.store.Now()
		item := *current
		item.DeletedAt = &now
		item.UpdatedAt = now
		item.SyncState = StatePendingDelete

		if _, err := q.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET deleted_at = ?, updated_at = ?, sync_state = ? WHERE id = ?`, r.kind.Table()),
			formatTime(now), formatTime(now), string(item.SyncState), item.LocalID,
		); err != nil {
			return fmt.Errorf("failed to delete %s: %w", r.kind, err)
		}

		_, err = outbox.Enqueue(ctx, OutboxEntry{
			Kind:           r.kind,
			EntityLocalID:  &item.LocalID,
			EntityUUID:     item.UUID,
			EntityRemoteID: item.RemoteID,
			Op:             OpDelete,
			Payload:        catalogPayload(item),
		})
		return err
	})
}

// SetRemoteID records the id assigned by the remote store. A row still in
// pendingInsert becomes synced; later local edits keep their pending state.
func (r *CatalogRepo) SetRemoteID(ctx context.Context, localID, remoteID int64) error {
	return setRemoteID(ctx, r.q(), r.kind.Table(), localID, remoteID)
}

// MarkSynced flips the row to synced if it is still in the expected state.
func (r *CatalogRepo) MarkSynced(ctx context.Context, localID int64, expected SyncState) error {
	return markSynced(ctx, r.q(), r.kind.Table(), localID, expected)
}

// MarkRemoteDeleted applies a remote tombstone to a local row that is not
// yet deleted. It reports whether a row changed.
func (r *CatalogRepo) MarkRemoteDeleted(ctx context.Context, id string, remoteID *int64, deletedAt time.Time) (bool, error) {
	res, err := r.q().ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET deleted_at = ?, remote_id = COALESCE(remote_id, ?), sync_state = 'synced'
		WHERE uuid = ? AND deleted_at IS NULL`, r.kind.Table()),
		formatTime(deletedAt), nullInt64(remoteID), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply remote delete to %s %s: %w", r.kind, id, err)
	}
	return rowsAffected(res) > 0, nil
}

// ApplyRemoteFields overwrites a synced local row with remote values.
// Rows with pending local changes are left alone.
func (r *CatalogRepo) ApplyRemoteFields(ctx context.Context, item CatalogItem) (bool, error) {
	res, err := r.q().ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET name = ?, remote_id = ?, created_at = ?, updated_at = ?
		WHERE uuid = ? AND sync_state = 'synced'`, r.kind.Table()),
		item.Name, nullInt64(item.RemoteID), formatTime(item.CreatedAt), formatTime(item.UpdatedAt), item.UUID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply remote %s %s: %w", r.kind, item.UUID, err)
	}
	return rowsAffected(res) > 0, nil
}

// InsertIfAbsent stores a remote row as synced unless its uuid is already present.
func (r *CatalogRepo) InsertIfAbsent(ctx context.Context, item CatalogItem) (bool, error) {
	res, err := r.q().ExecContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (uuid, name, remote_id, sync_state, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, 'synced', ?, ?, ?)`, r.kind.Table()),
		item.UUID, item.Name, nullInt64(item.RemoteID),
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt), nullTime(item.DeletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert remote %s %s: %w", r.kind, item.UUID, err)
	}
	return rowsAffected(res) > 0, nil
}

// DeleteByUUID removes a local row outright together with its queued
// changes. It fails with ErrReferenced while students or attendance still
// point at the row.
func (r *CatalogRepo) DeleteByUUID(ctx context.Context, id string) error {
	return r.run(ctx, func(q querier, outbox *Outbox) error {
		if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE uuid = ?`, r.kind.Table()), id); err != nil {
			if isForeignKeyConstraint(err) {
				return fmt.Errorf("%s %s: %w", r.kind, id, ErrReferenced)
			}
			return fmt.Errorf("failed to delete %s %s: %w", r.kind, id, err)
		}
		_, err := outbox.DiscardForUUID(ctx, r.kind, id)
		return err
	})
}

func setRemoteID(ctx context.Context, q querier, table string, localID, remoteID int64) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET remote_id = ?,
			sync_state = CASE WHEN sync_state = 'pendingInsert' THEN 'synced' ELSE sync_state END
		WHERE id = ?`, table),
		remoteID, localID,
	); err != nil {
		return fmt.Errorf("failed to set remote id on %s %d: %w", table, localID, err)
	}
	return nil
}

func markSynced(ctx context.Context, q querier, table string, localID int64, expected SyncState) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_state = 'synced' WHERE id = ? AND sync_state = ?`, table),
		localID, string(expected),
	); err != nil {
		return fmt.Errorf("failed to mark %s %d synced: %w", table, localID, err)
	}
	return nil
}
