// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OutboxEntry is one pending local mutation in sync_queue.
type OutboxEntry struct {
	ID             int64
	Kind           Kind   // KindUnknown when Entity is not recognized
	Entity         string // raw entity column
	EntityLocalID  *int64
	EntityUUID     string
	EntityRemoteID *int64
	Op             Op
	Payload        Payload
	Timestamp      time.Time
	RetryCount     int
	LastError      string
	CreatedAt      time.Time

	// DecodeErr is set when the stored payload could not be decoded.
	DecodeErr error
}

// Stats summarizes the outbox for status badges.
type Stats struct {
	Total       int            `json:"total"`
	ByEntity    map[string]int `json:"byEntity"`
	ByOperation map[Op]int     `json:"byOperation"`
}

// Outbox is the sync_queue table. Rows are appended by repositories and
// drained by the sync engine.
type Outbox struct {
	store *Store
	tx    *sql.Tx
}

// NewOutbox returns an outbox bound to the store.
func NewOutbox(store *Store) *Outbox {
	return &Outbox{store: store}
}

// WithTx returns a copy of the outbox bound to tx.
func (o *Outbox) WithTx(tx *sql.Tx) *Outbox {
	return &Outbox{store: o.store, tx: tx}
}

func (o *Outbox) execer() querier {
	if o.tx != nil {
		return o.tx
	}
	return o.store.db
}

// Enqueue appends entry and returns its id.
func (o *Outbox) Enqueue(ctx context.Context, entry OutboxEntry) (int64, error) {
	return o.insert(ctx, o.execer(), entry)
}

// EnqueueCollapsed appends an UPDATE entry, first removing any pending UPDATE
// for the same (entity, entity_local_id). The payload has to be a complete
// snapshot, otherwise collapsing would drop fields of the replaced entry.
func (o *Outbox) EnqueueCollapsed(ctx context.Context, entry OutboxEntry) (int64, error) {
	if entry.Op != OpUpdate {
		return 0, fmt.Errorf("only UPDATE entries can be collapsed, got %s", entry.Op)
	}
	if entry.EntityLocalID == nil {
		return 0, fmt.Errorf("collapsed entry requires entity local id")
	}
	if err := ValidatePayload(entry.Payload); err != nil {
		return 0, fmt.Errorf("refusing to collapse partial snapshot: %w", err)
	}

	if o.tx != nil {
		return o.collapse(ctx, o.tx, entry)
	}
	var id int64
	err := o.store.RunInTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = o.collapse(ctx, tx, entry)
		return err
	})
	return id, err
}

func (o *Outbox) collapse(ctx context.Context, q querier, entry OutboxEntry) (int64, error) {
	if _, err := q.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE entity = ? AND entity_local_id = ? AND operation = ?`,
		entry.Kind.String(), *entry.EntityLocalID, string(OpUpdate),
	); err != nil {
		return 0, fmt.Errorf("failed to collapse pending updates: %w", err)
	}
	return o.insert(ctx, q, entry)
}

func (o *Outbox) insert(ctx context.Context, q querier, entry OutboxEntry) (int64, error) {
	if !entry.Op.valid() {
		return 0, fmt.Errorf("invalid outbox operation %q", entry.Op)
	}
	if entry.EntityUUID == "" {
		return 0, fmt.Errorf("entity uuid is required")
	}
	payload, err := encodePayload(entry.Kind, entry.Payload)
	if err != nil {
		return 0, err
	}

	now := o.store.Now()
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = now
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO sync_queue
			(entity, entity_local_id, entity_uuid, entity_remote_id, operation, payload, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Kind.String(), nullInt64(entry.EntityLocalID), entry.EntityUUID, nullInt64(entry.EntityRemoteID),
		string(entry.Op), payload, ts.UnixNano(), formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s: %w", entry.Kind, entry.Op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox id: %w", err)
	}
	return id, nil
}

// ListPending returns pending entries in FIFO order, optionally filtered by kind.
// Entries that cannot be decoded are still returned so callers can account for them.
func (o *Outbox) ListPending(ctx context.Context, kind *Kind) ([]OutboxEntry, error) {
	query := `
		SELECT id, entity, entity_local_id, entity_uuid, entity_remote_id, operation, payload,
		       timestamp, retry_count, last_error, created_at
		FROM sync_queue`
	var args []any
	if kind != nil {
		query += ` WHERE entity IN (?, ?)`
		// The attendance aggregate is also addressed by its table name
		args = append(args, kind.String(), kind.Table())
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := o.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e        OutboxEntry
			localID  sql.NullInt64
			remoteID sql.NullInt64
			op       string
			payload  string
			ts       int64
			lastErr  sql.NullString
			created  string
		)
		if err := rows.Scan(&e.ID, &e.Entity, &localID, &e.EntityUUID, &remoteID, &op, &payload,
			&ts, &e.RetryCount, &lastErr, &created); err != nil {
			return nil, fmt.Errorf("failed to scan sync queue row: %w", err)
		}
		e.EntityLocalID = int64Ptr(localID)
		e.EntityRemoteID = int64Ptr(remoteID)
		e.Op = Op(op)
		e.Timestamp = time.Unix(0, ts).UTC()
		e.LastError = lastErr.String
		if t, err := parseTime(created); err == nil {
			e.CreatedAt = t
		}

		k, err := ParseKind(e.Entity)
		if err != nil {
			e.DecodeErr = err
		} else {
			e.Kind = k
			e.Payload, e.DecodeErr = decodePayload(k, payload)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync queue: %w", err)
	}
	return entries, nil
}

// Clear removes a drained entry. Clearing an id that no longer exists is not an error.
func (o *Outbox) Clear(ctx context.Context, id int64) error {
	if _, err := o.execer().ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear sync queue entry %d: %w", id, err)
	}
	return nil
}

// MarkFailed bumps the retry counter of an entry that stays queued and
// records the last failure.
func (o *Outbox) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := o.execer().ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		nullString(msg), id); err != nil {
		return fmt.Errorf("failed to record failure of sync queue entry %d: %w", id, err)
	}
	return nil
}

// DiscardForUUID drops every queued entry of one row and returns how many were removed.
func (o *Outbox) DiscardForUUID(ctx context.Context, kind Kind, uuid string) (int64, error) {
	res, err := o.execer().ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entity IN (?, ?) AND entity_uuid = ?`,
		kind.String(), kind.Table(), uuid)
	if err != nil {
		return 0, fmt.Errorf("failed to discard sync queue entries for %s: %w", uuid, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of unsynced changes, optionally for one kind.
func (o *Outbox) Count(ctx context.Context, kind *Kind) (int, error) {
	query := `SELECT COUNT(*) FROM sync_queue`
	var args []any
	if kind != nil {
		query += ` WHERE entity IN (?, ?)`
		args = append(args, kind.String(), kind.Table())
	}
	var n int
	if err := o.execer().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

// Stats returns totals by entity and by operation.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByEntity:    map[string]int{},
		ByOperation: map[Op]int{},
	}
	rows, err := o.execer().QueryContext(ctx,
		`SELECT entity, operation, COUNT(*) FROM sync_queue GROUP BY entity, operation`)
	if err != nil {
		return stats, fmt.Errorf("failed to query sync queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entity string
			op     string
			n      int
		)
		if err := rows.Scan(&entity, &op, &n); err != nil {
			return stats, fmt.Errorf("failed to scan sync queue stats: %w", err)
		}
		stats.Total += n
		stats.ByEntity[entity] += n
		stats.ByOperation[Op(op)] += n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to iterate sync queue stats: %w", err)
	}
	return stats, nil
}
