// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
)

// scope runs repository work either inside a caller supplied transaction or
// inside a fresh one.
type scope struct {
	store *Store
	tx    *sql.Tx
}

func (s scope) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.store.db
}

func (s scope) run(ctx context.Context, fn func(q querier, outbox *Outbox) error) error {
	if s.tx != nil {
		return fn(s.tx, NewOutbox(s.store).WithTx(s.tx))
	}
	return s.store.RunInTx(ctx, func(tx *sql.Tx) error {
		return fn(tx, NewOutbox(s.store).WithTx(tx))
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

const metaColumns = `id, uuid, remote_id, sync_state, created_at, updated_at, deleted_at`

// metaScan holds the raw bookkeeping columns until they are converted.
type metaScan struct {
	remoteID  sql.NullInt64
	state     string
	createdAt string
	updatedAt string
	deletedAt sql.NullString
}

func (m *metaScan) dest(meta *Meta) []any {
	return []any{&meta.LocalID, &meta.UUID, &m.remoteID, &m.state, &m.createdAt, &m.updatedAt, &m.deletedAt}
}

func (m *metaScan) fill(meta *Meta) error {
	var err error
	meta.RemoteID = int64Ptr(m.remoteID)
	meta.SyncState = SyncState(m.state)
	if meta.CreatedAt, err = parseTime(m.createdAt); err != nil {
		return err
	}
	if meta.UpdatedAt, err = parseTime(m.updatedAt); err != nil {
		return err
	}
	if meta.DeletedAt, err = timePtr(m.deletedAt); err != nil {
		return err
	}
	return nil
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func notFound(kind Kind, key any) error {
	return fmt.Errorf("%s %v: %w", kind, key, ErrNotFound)
}
