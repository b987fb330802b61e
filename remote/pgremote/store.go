// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgremote implements remote.Store directly on PostgreSQL through a
// pgx connection pool.
package pgremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-attendsync/remote"
)

// Config configures the connection pool.
type Config struct {
	DatabaseURL     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store is a remote.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ remote.Store = (*Store)(nil)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool, logger), nil
}

// New wraps an existing pool. The caller keeps ownership of the pool only if
// it never calls Close.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ListCatalog(ctx context.Context, table string, filter remote.Filter) ([]remote.CatalogRow, error) {
	if err := remote.ValidateCatalogTable(table); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		/*language=postgresql*/ `SELECT id, uuid::text, name, created_at, updated_at, deleted_at
		FROM %s WHERE %s ORDER BY id`, table, deletedClause("", filter)))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []remote.CatalogRow
	for rows.Next() {
		var row remote.CatalogRow
		if err := rows.Scan(&row.ID, &row.UUID, &row.Name, &row.CreatedAt, &row.UpdatedAt, &row.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) InsertCatalog(ctx context.Context, table string, row remote.CatalogRow) (remote.CatalogRow, error) {
	if err := remote.ValidateCatalogTable(table); err != nil {
		return remote.CatalogRow{}, err
	}
	id, err := uuid.Parse(row.UUID)
	if err != nil {
		return remote.CatalogRow{}, fmt.Errorf("invalid uuid %q: %w", row.UUID, err)
	}
	err = s.pool.QueryRow(ctx, fmt.Sprintf(
		/*language=postgresql*/ `INSERT INTO %s (uuid, name, created_at, updated_at, deleted_at)
		VALUES ($1, $2, COALESCE($3::timestamptz, now()), COALESCE($4::timestamptz, now()), $5)
		RETURNING id, created_at, updated_at`, table),
		id, row.Name, tsOrNull(row.CreatedAt), tsOrNull(row.UpdatedAt), row.DeletedAt,
	).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return remote.CatalogRow{}, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return row, nil
}

func (s *Store) UpdateCatalog(ctx context.Context, table string, row remote.CatalogRow) (bool, error) {
	if err := remote.ValidateCatalogTable(table); err != nil {
		return false, err
	}
	id, err := uuid.Parse(row.UUID)
	if err != nil {
		return false, fmt.Errorf("invalid uuid %q: %w", row.UUID, err)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		/*language=postgresql*/ `UPDATE %s SET name = $2, updated_at = COALESCE($3::timestamptz, now())
		WHERE uuid = $1 AND deleted_at IS NULL`, table),
		id, row.Name, tsOrNull(row.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to update %s: %w", table, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListStudents(ctx context.Context, filter remote.Filter) ([]remote.StudentRow, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		/*language=postgresql*/ `SELECT s.id, s.uuid::text, s.name, s.office_id, s.level_id, o.uuid::text, l.uuid::text,
			COALESCE(s.birth_date, ''), COALESCE(s.phone, ''), COALESCE(s.address, ''),
			s.created_at, s.updated_at, s.deleted_at
		FROM students s
		JOIN offices o ON o.id = s.office_id
		JOIN levels l ON l.id = s.level_id
		WHERE %s ORDER BY s.id`, deletedClause("s.", filter)))
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()

	var out []remote.StudentRow
	for rows.Next() {
		var row remote.StudentRow
		if err := rows.Scan(&row.ID, &row.UUID, &row.Name, &row.OfficeID, &row.LevelID, &row.OfficeUUID, &row.LevelUUID,
			&row.BirthDate, &row.Phone, &row.Address, &row.CreatedAt, &row.UpdatedAt, &row.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan student row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) InsertStudent(ctx context.Context, row remote.StudentRow) (remote.StudentRow, error) {
	ids, err := parseUUIDs(row.UUID, row.OfficeUUID, row.LevelUUID)
	if err != nil {
		return remote.StudentRow{}, err
	}
	// Parents are resolved by uuid in the same statement; no row back means
	// one of them is unknown here.
	err = s.pool.QueryRow(ctx,
		/*language=postgresql*/ `INSERT INTO students
			(uuid, name, office_id, level_id, birth_date, phone, address, created_at, updated_at, deleted_at)
		SELECT $1, $2, o.id, l.id, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			COALESCE($8::timestamptz, now()), COALESCE($9::timestamptz, now()), $10
		FROM offices o, levels l
		WHERE o.uuid = $3 AND l.uuid = $4
		RETURNING id, office_id, level_id, created_at, updated_at`,
		ids[0], row.Name, ids[1], ids[2], row.BirthDate, row.Phone, row.Address,
		tsOrNull(row.CreatedAt), tsOrNull(row.UpdatedAt), row.DeletedAt,
	).Scan(&row.ID, &row.OfficeID, &row.LevelID, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return remote.StudentRow{}, remote.ErrParentNotFound
	}
	if err != nil {
		return remote.StudentRow{}, fmt.Errorf("failed to insert student: %w", err)
	}
	return row, nil
}

func (s *Store) UpdateStudent(ctx context.Context, row remote.StudentRow) (bool, error) {
	ids, err := parseUUIDs(row.UUID, row.OfficeUUID, row.LevelUUID)
	if err != nil {
		return false, err
	}
	var matched bool
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var officeID, levelID int64
		err := tx.QueryRow(ctx,
			/*language=postgresql*/ `SELECT o.id, l.id FROM offices o, levels l WHERE o.uuid = $1 AND l.uuid = $2`,
			ids[1], ids[2]).Scan(&officeID, &levelID)
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.ErrParentNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to resolve student parents: %w", err)
		}
		tag, err := tx.Exec(ctx,
			/*language=postgresql*/ `UPDATE students SET
				name = $2, office_id = $3, level_id = $4,
				birth_date = NULLIF($5, ''), phone = NULLIF($6, ''), address = NULLIF($7, ''),
				updated_at = COALESCE($8::timestamptz, now())
			WHERE uuid = $1 AND deleted_at IS NULL`,
			ids[0], row.Name, officeID, levelID, row.BirthDate, row.Phone, row.Address, tsOrNull(row.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to update student: %w", err)
		}
		matched = tag.RowsAffected() > 0
		return nil
	})
	return matched, err
}

type childJSON struct {
	StudentUUID string    `json:"student_uuid"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) ListAttendance(ctx context.Context, filter remote.Filter) ([]remote.AttendanceRow, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		/*language=postgresql*/ `SELECT a.id, a.uuid::text, a.date::text, a.office_uuid::text, a.level_uuid::text,
			a.created_at, a.updated_at, a.deleted_at,
			COALESCE((
				SELECT json_agg(json_build_object(
					'student_uuid', sa.student_uuid, 'status', sa.status,
					'created_at', sa.created_at, 'updated_at', sa.updated_at) ORDER BY sa.id)
				FROM student_attendances sa
				WHERE sa.attendance_record_uuid = a.uuid
			), '[]'::json)
		FROM attendance_records a
		WHERE %s ORDER BY a.created_at DESC, a.id DESC`, deletedClause("a.", filter)))
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance records: %w", err)
	}
	defer rows.Close()

	var out []remote.AttendanceRow
	for rows.Next() {
		var row remote.AttendanceRow
		var children []byte
		if err := rows.Scan(&row.ID, &row.UUID, &row.Date, &row.OfficeUUID, &row.LevelUUID,
			&row.CreatedAt, &row.UpdatedAt, &row.DeletedAt, &children); err != nil {
			return nil, fmt.Errorf("failed to scan attendance row: %w", err)
		}
		var kids []childJSON
		if err := json.Unmarshal(children, &kids); err != nil {
			return nil, fmt.Errorf("failed to decode students of attendance %s: %w", row.UUID, err)
		}
		for _, k := range kids {
			row.Students = append(row.Students, remote.StudentAttendanceRow(k))
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) InsertAttendance(ctx context.Context, row remote.AttendanceRow) (remote.AttendanceRow, error) {
	ids, err := parseUUIDs(row.UUID, row.OfficeUUID, row.LevelUUID)
	if err != nil {
		return remote.AttendanceRow{}, err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			/*language=postgresql*/ `INSERT INTO attendance_records
				(uuid, date, office_uuid, level_uuid, created_at, updated_at, deleted_at)
			VALUES ($1, $2::date, $3, $4, COALESCE($5::timestamptz, now()), COALESCE($6::timestamptz, now()), $7)
			RETURNING id, created_at, updated_at`,
			ids[0], row.Date, ids[1], ids[2], tsOrNull(row.CreatedAt), tsOrNull(row.UpdatedAt), row.DeletedAt,
		).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert attendance record: %w", err)
		}
		return insertChildren(ctx, tx, ids[0], row)
	})
	if err != nil {
		return remote.AttendanceRow{}, err
	}
	return row, nil
}

// UpdateAttendance rewrites the record and replaces its students wholesale.
func (s *Store) UpdateAttendance(ctx context.Context, row remote.AttendanceRow) (bool, error) {
	ids, err := parseUUIDs(row.UUID, row.OfficeUUID, row.LevelUUID)
	if err != nil {
		return false, err
	}
	var matched bool
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			/*language=postgresql*/ `UPDATE attendance_records SET
				date = $2::date, office_uuid = $3, level_uuid = $4,
				updated_at = COALESCE($5::timestamptz, now())
			WHERE uuid = $1 AND deleted_at IS NULL`,
			ids[0], row.Date, ids[1], ids[2], tsOrNull(row.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to update attendance record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		matched = true
		if _, err := tx.Exec(ctx,
			/*language=postgresql*/ `DELETE FROM student_attendances WHERE attendance_record_uuid = $1`, ids[0]); err != nil {
			return fmt.Errorf("failed to clear attendance students: %w", err)
		}
		return insertChildren(ctx, tx, ids[0], row)
	})
	return matched, err
}

func (s *Store) SoftDelete(ctx context.Context, table, id string, deletedAt time.Time) error {
	if err := remote.ValidateSoftDeleteTable(table); err != nil {
		return err
	}
	key, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid uuid %q: %w", id, err)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		/*language=postgresql*/ `UPDATE %s SET deleted_at = COALESCE($2::timestamptz, now()),
			updated_at = COALESCE($2::timestamptz, now())
		WHERE uuid = $1 AND deleted_at IS NULL`, table),
		key, tsOrNull(deletedAt))
	if err != nil {
		return fmt.Errorf("failed to soft delete from %s: %w", table, err)
	}
	s.logger.Debug("Soft delete", "table", table, "uuid", id, "affected", tag.RowsAffected())
	return nil
}

func insertChildren(ctx context.Context, tx pgx.Tx, record uuid.UUID, row remote.AttendanceRow) error {
	if len(row.Students) == 0 {
		return nil
	}
	students := make([]uuid.UUID, 0, len(row.Students))
	statuses := make([]string, 0, len(row.Students))
	createdAts := make([]time.Time, 0, len(row.Students))
	updatedAts := make([]time.Time, 0, len(row.Students))
	for _, c := range row.Students {
		id, err := uuid.Parse(c.StudentUUID)
		if err != nil {
			return fmt.Errorf("invalid student uuid %q: %w", c.StudentUUID, err)
		}
		createdAt, updatedAt := c.CreatedAt, c.UpdatedAt
		if createdAt.IsZero() {
			createdAt = row.CreatedAt
		}
		if updatedAt.IsZero() {
			updatedAt = row.UpdatedAt
		}
		students = append(students, id)
		statuses = append(statuses, c.Status)
		createdAts = append(createdAts, createdAt)
		updatedAts = append(updatedAts, updatedAt)
	}
	_, err := tx.Exec(ctx,
		/*language=postgresql*/ `INSERT INTO student_attendances
			(attendance_record_uuid, student_uuid, status, created_at, updated_at)
		SELECT $1, u.student_uuid, u.status, u.created_at, u.updated_at
		FROM UNNEST($2::uuid[], $3::text[], $4::timestamptz[], $5::timestamptz[])
			AS u(student_uuid, status, created_at, updated_at)`,
		record, students, statuses, createdAts, updatedAts)
	if err != nil {
		return fmt.Errorf("failed to insert attendance students: %w", err)
	}
	return nil
}

func deletedClause(alias string, filter remote.Filter) string {
	if filter == remote.Deleted {
		return alias + "deleted_at IS NOT NULL"
	}
	return alias + "deleted_at IS NULL"
}

func tsOrNull(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseUUIDs(values ...string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(values))
	for i, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", v, err)
		}
		out[i] = id
	}
	return out, nil
}
