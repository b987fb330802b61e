// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
)

// initializeDatabase creates entity and outbox tables
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS offices (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid        TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			remote_id   INTEGER UNIQUE,
			sync_state  TEXT NOT NULL DEFAULT 'pendingInsert'
			            CHECK (sync_state IN ('synced','pendingInsert','pendingUpdate','pendingDelete')),
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			deleted_at  TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS levels (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid        TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			remote_id   INTEGER UNIQUE,
			sync_state  TEXT NOT NULL DEFAULT 'pendingInsert'
			            CHECK (sync_state IN ('synced','pendingInsert','pendingUpdate','pendingDelete')),
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			deleted_at  TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS students (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid        TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			office_uuid TEXT NOT NULL REFERENCES offices(uuid),
			level_uuid  TEXT NOT NULL REFERENCES levels(uuid),
			birth_date  TEXT,
			phone       TEXT,
			address     TEXT,
			remote_id   INTEGER UNIQUE,
			sync_state  TEXT NOT NULL DEFAULT 'pendingInsert'
			            CHECK (sync_state IN ('synced','pendingInsert','pendingUpdate','pendingDelete')),
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			deleted_at  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_students_office_level ON students(office_uuid, level_uuid)`,

		// No soft delete: attendance records are removed outright
		`CREATE TABLE IF NOT EXISTS attendance_records (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid        TEXT NOT NULL UNIQUE,
			date        TEXT NOT NULL,
			office_uuid TEXT NOT NULL REFERENCES offices(uuid),
			level_uuid  TEXT NOT NULL REFERENCES levels(uuid),
			remote_id   INTEGER UNIQUE,
			sync_state  TEXT NOT NULL DEFAULT 'pendingInsert'
			            CHECK (sync_state IN ('synced','pendingInsert','pendingUpdate','pendingDelete')),
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			UNIQUE (date, office_uuid, level_uuid)
		)`,

		`CREATE TABLE IF NOT EXISTS student_attendances (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			attendance_record_uuid TEXT NOT NULL REFERENCES attendance_records(uuid) ON DELETE CASCADE,
			student_uuid           TEXT NOT NULL REFERENCES students(uuid) ON DELETE CASCADE,
			status                 TEXT NOT NULL CHECK (status IN ('present','absent','excused')),
			sync_state             TEXT NOT NULL DEFAULT 'pendingInsert'
			                       CHECK (sync_state IN ('synced','pendingInsert','pendingUpdate','pendingDelete')),
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,
			UNIQUE (attendance_record_uuid, student_uuid)
		)`,

		// Outbox; timestamp is unix nanoseconds, ties broken by id
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			entity           TEXT NOT NULL,
			entity_local_id  INTEGER,
			entity_uuid      TEXT NOT NULL,
			entity_remote_id INTEGER,
			operation        TEXT NOT NULL CHECK (operation IN ('INSERT','UPDATE','DELETE')),
			payload          TEXT NOT NULL,
			timestamp        INTEGER NOT NULL,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT,
			created_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(timestamp, id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity, entity_local_id, operation)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
