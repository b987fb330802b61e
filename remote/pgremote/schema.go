// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// EnsureSchema creates the backend tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS offices (
				id         BIGSERIAL PRIMARY KEY,
				uuid       UUID NOT NULL UNIQUE,
				name       TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				deleted_at TIMESTAMPTZ
			)`,
			/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS offices_name_active
				ON offices(name) WHERE deleted_at IS NULL`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS levels (
				id         BIGSERIAL PRIMARY KEY,
				uuid       UUID NOT NULL UNIQUE,
				name       TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				deleted_at TIMESTAMPTZ
			)`,
			/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS levels_name_active
				ON levels(name) WHERE deleted_at IS NULL`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS students (
				id         BIGSERIAL PRIMARY KEY,
				uuid       UUID NOT NULL UNIQUE,
				name       TEXT NOT NULL,
				office_id  BIGINT NOT NULL REFERENCES offices(id),
				level_id   BIGINT NOT NULL REFERENCES levels(id),
				birth_date TEXT,
				phone      TEXT,
				address    TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				deleted_at TIMESTAMPTZ
			)`,
			/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS students_key_active
				ON students(name, office_id, level_id) WHERE deleted_at IS NULL`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS attendance_records (
				id          BIGSERIAL PRIMARY KEY,
				uuid        UUID NOT NULL UNIQUE,
				date        DATE NOT NULL,
				office_uuid UUID NOT NULL,
				level_uuid  UUID NOT NULL,
				created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				deleted_at  TIMESTAMPTZ
			)`,
			/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS attendance_records_key_active
				ON attendance_records(date, office_uuid, level_uuid) WHERE deleted_at IS NULL`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS student_attendances (
				id                     BIGSERIAL PRIMARY KEY,
				attendance_record_uuid UUID NOT NULL REFERENCES attendance_records(uuid) ON DELETE CASCADE,
				student_uuid           UUID NOT NULL,
				status                 TEXT NOT NULL CHECK (status IN ('present','absent','excused')),
				created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (attendance_record_uuid, student_uuid)
			)`,
		}
		for _, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return fmt.Errorf("failed to apply remote schema: %w", err)
			}
		}
		return nil
	})
}
