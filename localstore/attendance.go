// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SaveAttendanceInput is a full attendance sheet. With ExistingUUID set the
// sheet replaces every child status of that record.
type SaveAttendanceInput struct {
	Date         string          `validate:"required,datetime=2006-01-02"`
	OfficeUUID   string          `validate:"required,uuid"`
	LevelUUID    string          `validate:"required,uuid"`
	Statuses     []StudentStatus `validate:"dive"`
	ExistingUUID string          `validate:"omitempty,uuid"`
}

// AttendanceRepo manages the attendance aggregate: a record and its
// per-student statuses always change together.
type AttendanceRepo struct {
	scope
}

// NewAttendance returns the attendance repository.
func NewAttendance(store *Store) *AttendanceRepo {
	return &AttendanceRepo{scope: scope{store: store}}
}

// Kind returns KindAttendance.
func (r *AttendanceRepo) Kind() Kind { return KindAttendance }

// WithTx returns a copy of the repository bound to tx.
func (r *AttendanceRepo) WithTx(tx *sql.Tx) *AttendanceRepo {
	return &AttendanceRepo{scope: scope{store: r.store, tx: tx}}
}

const recordColumns = `ar.id, ar.uuid, ar.date, ar.office_uuid, ar.level_uuid, ar.remote_id, ar.sync_state, ar.created_at, ar.updated_at`

func scanRecord(row rowScanner, extra ...any) (AttendanceRecord, error) {
	var (
		rec       AttendanceRecord
		remoteID  sql.NullInt64
		state     string
		createdAt string
		updatedAt string
	)
	dest := append([]any{&rec.LocalID, &rec.UUID, &rec.Date, &rec.OfficeUUID, &rec.LevelUUID,
		&remoteID, &state, &createdAt, &updatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return rec, err
	}
	var err error
	rec.RemoteID = int64Ptr(remoteID)
	rec.SyncState = SyncState(state)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r *AttendanceRepo) queryOne(ctx context.Context, q querier, where string, args ...any) (*AttendanceRecord, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM attendance_records ar WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance record: %w", err)
	}
	return &rec, nil
}

// List returns every record, newest day first, with office and level names.
func (r *AttendanceRepo) List(ctx context.Context) ([]AttendanceRecord, error) {
	rows, err := r.q().QueryContext(ctx, `
		SELECT `+recordColumns+`, COALESCE(o.name, ''), COALESCE(l.name, '')
		FROM attendance_records ar
		LEFT JOIN offices o ON ar.office_uuid = o.uuid
		LEFT JOIN levels l ON ar.level_uuid = l.uuid
		ORDER BY ar.date DESC, ar.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance records: %w", err)
	}
	defer rows.Close()

	var out []AttendanceRecord
	for rows.Next() {
		var officeName, levelName string
		rec, err := scanRecord(rows, &officeName, &levelName)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance record: %w", err)
		}
		rec.OfficeName = officeName
		rec.LevelName = levelName
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attendance records: %w", err)
	}
	return out, nil
}

// Get returns a record by uuid.
func (r *AttendanceRepo) Get(ctx context.Context, id string) (AttendanceRecord, error) {
	rec, err := r.FindByUUID(ctx, id)
	if err != nil {
		return AttendanceRecord{}, err
	}
	if rec == nil {
		return AttendanceRecord{}, notFound(KindAttendance, id)
	}
	return *rec, nil
}

// FindByUUID returns the record with the given uuid or nil.
func (r *AttendanceRepo) FindByUUID(ctx context.Context, id string) (*AttendanceRecord, error) {
	return r.queryOne(ctx, r.q(), `ar.uuid = ?`, id)
}

// GetByKey returns the record of a day, office and level, or nil.
func (r *AttendanceRepo) GetByKey(ctx context.Context, date, officeUUID, levelUUID string) (*AttendanceRecord, error) {
	return r.queryOne(ctx, r.q(), `ar.date = ? AND ar.office_uuid = ? AND ar.level_uuid = ?`, date, officeUUID, levelUUID)
}

// Children returns the statuses of a record.
func (r *AttendanceRepo) Children(ctx context.Context, recordUUID string) ([]StudentAttendance, error) {
	return children(ctx, r.q(), recordUUID)
}

func children(ctx context.Context, q querier, recordUUID string) ([]StudentAttendance, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, attendance_record_uuid, student_uuid, status, sync_state, created_at, updated_at
		FROM student_attendances WHERE attendance_record_uuid = ? ORDER BY id`, recordUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query student attendances: %w", err)
	}
	defer rows.Close()

	var out []StudentAttendance
	for rows.Next() {
		var (
			c                    StudentAttendance
			status, state        string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&c.LocalID, &c.RecordUUID, &c.StudentUUID, &status, &state, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan student attendance: %w", err)
		}
		c.Status = AttendanceStatus(status)
		c.SyncState = SyncState(state)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate student attendances: %w", err)
	}
	return out, nil
}

// Save creates or replaces an attendance sheet in one transaction and
// queues the matching INSERT or UPDATE. On any failure nothing is written.
func (r *AttendanceRepo) Save(ctx context.Context, in SaveAttendanceInput) (AttendanceRecord, []StudentAttendance, error) {
	if err := validateStruct(in); err != nil {
		return AttendanceRecord{}, nil, err
	}
	seen := make(map[string]struct{}, len(in.Statuses))
	for _, st := range in.Statuses {
		if _, dup := seen[st.StudentUUID]; dup {
			return AttendanceRecord{}, nil, invalidError("statuses", fmt.Sprintf("student %s listed twice", st.StudentUUID))
		}
		seen[st.StudentUUID] = struct{}{}
	}

	var (
		rec  AttendanceRecord
		kids []StudentAttendance
	)
	err := r.run(ctx, func(q querier, outbox *Outbox) error {
		if err := checkParents(ctx, q, in.OfficeUUID, in.LevelUUID); err != nil {
			return err
		}
		existing, err := r.queryOne(ctx, q, `ar.date = ? AND ar.office_uuid = ? AND ar.level_uuid = ?`,
			in.Date, in.OfficeUUID, in.LevelUUID)
		if err != nil {
			return err
		}

		now := r.store.Now()
		op := OpInsert
		if in.ExistingUUID == "" {
			if existing != nil {
				return &ValidationError{Field: "date", Message: ErrDuplicateAttendance.Error(), Err: ErrDuplicateAttendance}
			}
			rec = AttendanceRecord{
				UUID:       uuid.NewString(),
				Date:       in.Date,
				OfficeUUID: in.OfficeUUID,
				LevelUUID:  in.LevelUUID,
				SyncState:  StatePendingInsert,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			res, err := q.ExecContext(ctx, `
				INSERT INTO attendance_records (uuid, date, office_uuid, level_uuid, sync_state, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				rec.UUID, rec.Date, rec.OfficeUUID, rec.LevelUUID, string(rec.SyncState),
				formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert attendance record: %w", err)
			}
			if rec.LocalID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read attendance record id: %w", err)
			}
		} else {
			op = OpUpdate
			current, err := r.queryOne(ctx, q, `ar.uuid = ?`, in.ExistingUUID)
			if err != nil {
				return err
			}
			if current == nil {
				return notFound(KindAttendance, in.ExistingUUID)
			}
			if existing != nil && existing.UUID != current.UUID {
				return &ValidationError{Field: "date", Message: ErrDuplicateAttendance.Error(), Err: ErrDuplicateAttendance}
			}
			rec = *current
			rec.Date = in.Date
			rec.OfficeUUID = in.OfficeUUID
			rec.LevelUUID = in.LevelUUID
			rec.UpdatedAt = now
			rec.SyncState = StatePendingUpdate
			if _, err := q.ExecContext(ctx, `
				UPDATE attendance_records
				SET date = ?, office_uuid = ?, level_uuid = ?, updated_at = ?, sync_state = ?
				WHERE id = ?`,
				rec.Date, rec.OfficeUUID, rec.LevelUUID, formatTime(rec.UpdatedAt), string(rec.SyncState), rec.LocalID,
			); err != nil {
				return fmt.Errorf("failed to update attendance record: %w", err)
			}
			if _, err := q.ExecContext(ctx,
				`DELETE FROM student_attendances WHERE attendance_record_uuid = ?`, rec.UUID); err != nil {
				return fmt.Errorf("failed to clear student attendances: %w", err)
			}
		}

		kids = make([]StudentAttendance, 0, len(in.Statuses))
		for _, st := range in.Statuses {
			var n int
			if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM students WHERE uuid = ?`, st.StudentUUID).Scan(&n); err != nil {
				return fmt.Errorf("failed to check student: %w", err)
			}
			if n == 0 {
				return invalidError("statuses", fmt.Sprintf("student %s does not exist", st.StudentUUID))
			}
			child := StudentAttendance{
				RecordUUID:  rec.UUID,
				StudentUUID: st.StudentUUID,
				Status:      st.Status,
				SyncState:   rec.SyncState,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if child.LocalID, err = insertChild(ctx, q, child); err != nil {
				return err
			}
			kids = append(kids, child)
		}

		_, err = outbox.Enqueue(ctx, OutboxEntry{
			Kind:           KindAttendance,
			EntityLocalID:  &rec.LocalID,
			EntityUUID:     rec.UUID,
			EntityRemoteID: rec.RemoteID,
			Op:             op,
			Payload:        attendancePayload(rec, kids),
		})
		return err
	})
	if err != nil {
		return AttendanceRecord{}, nil, err
	}
	return rec, kids, nil
}

// Delete removes a record and its statuses and queues one DELETE for the record.
func (r *AttendanceRepo) Delete(ctx context.Context, id string) error {
	return r.run(ctx, func(q querier, outbox *Outbox) error {
		rec, err := r.queryOne(ctx, q, `ar.uuid = ?`, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFound(KindAttendance, id)
		}
		kids, err := children(ctx, q, id)
		if err != nil {
			return err
		}
		if err := deleteRecord(ctx, q, id); err != nil {
			return err
		}
		_, err = outbox.Enqueue(ctx, OutboxEntry{
			Kind:           KindAttendance,
			EntityLocalID:  &rec.LocalID,
			EntityUUID:     rec.UUID,
			EntityRemoteID: rec.RemoteID,
			Op:             OpDelete,
			Payload:        attendancePayload(*rec, kids),
		})
		return err
	})
}

// SetRemoteID records the remote id; a pendingInsert record and its
// statuses become synced.
func (r *AttendanceRepo) SetRemoteID(ctx context.Context, localID, remoteID int64) error {
	return r.run(ctx, func(q querier, _ *Outbox) error {
		if err := setRemoteID(ctx, q, "attendance_records", localID, remoteID); err != nil {
			return err
		}
		return syncChildren(ctx, q, localID)
	})
}

// MarkSynced flips the record and its statuses to synced if the record is
// still in the expected state.
func (r *AttendanceRepo) MarkSynced(ctx context.Context, localID int64, expected SyncState) error {
	return r.run(ctx, func(q querier, _ *Outbox) error {
		if err := markSynced(ctx, q, "attendance_records", localID, expected); err != nil {
			return err
		}
		return syncChildren(ctx, q, localID)
	})
}

func syncChildren(ctx context.Context, q querier, localID int64) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE student_attendances SET sync_state = 'synced'
		WHERE attendance_record_uuid = (
			SELECT uuid FROM attendance_records WHERE id = ? AND sync_state = 'synced'
		)`, localID); err != nil {
		return fmt.Errorf("failed to mark student attendances synced: %w", err)
	}
	return nil
}

// InsertIfAbsent stores a remote record and its statuses as synced unless
// the uuid is already present. Statuses of students unknown locally are skipped.
func (r *AttendanceRepo) InsertIfAbsent(ctx context.Context, rec AttendanceRecord, kids []StudentAttendance) (bool, error) {
	var inserted bool
	err := r.run(ctx, func(q querier, _ *Outbox) error {
		res, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO attendance_records
				(uuid, date, office_uuid, level_uuid, remote_id, sync_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'synced', ?, ?)`,
			rec.UUID, rec.Date, rec.OfficeUUID, rec.LevelUUID, nullInt64(rec.RemoteID),
			formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert remote attendance record %s: %w", rec.UUID, err)
		}
		if rowsAffected(res) == 0 {
			return nil
		}
		inserted = true
		return r.insertRemoteChildren(ctx, q, rec, kids)
	})
	return inserted, err
}

// ApplyRemote overwrites a synced local record with remote values and
// replaces its statuses wholesale.
func (r *AttendanceRepo) ApplyRemote(ctx context.Context, rec AttendanceRecord, kids []StudentAttendance) (bool, error) {
	var applied bool
	err := r.run(ctx, func(q querier, _ *Outbox) error {
		res, err := q.ExecContext(ctx, `
			UPDATE attendance_records
			SET date = ?, office_uuid = ?, level_uuid = ?, remote_id = ?, created_at = ?, updated_at = ?
			WHERE uuid = ? AND sync_state = 'synced'`,
			rec.Date, rec.OfficeUUID, rec.LevelUUID, nullInt64(rec.RemoteID),
			formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), rec.UUID,
		)
		if err != nil {
			return fmt.Errorf("failed to apply remote attendance record %s: %w", rec.UUID, err)
		}
		if rowsAffected(res) == 0 {
			return nil
		}
		applied = true
		if _, err := q.ExecContext(ctx,
			`DELETE FROM student_attendances WHERE attendance_record_uuid = ?`, rec.UUID); err != nil {
			return fmt.Errorf("failed to clear student attendances: %w", err)
		}
		return r.insertRemoteChildren(ctx, q, rec, kids)
	})
	return applied, err
}

func (r *AttendanceRepo) insertRemoteChildren(ctx context.Context, q querier, rec AttendanceRecord, kids []StudentAttendance) error {
	for _, c := range kids {
		var n int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM students WHERE uuid = ?`, c.StudentUUID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check student: %w", err)
		}
		if n == 0 {
			r.store.logger.Warn("Skipping attendance of unknown student",
				"record_uuid", rec.UUID, "student_uuid", c.StudentUUID)
			continue
		}
		c.RecordUUID = rec.UUID
		c.SyncState = StateSynced
		if c.CreatedAt.IsZero() {
			c.CreatedAt = rec.CreatedAt
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = rec.UpdatedAt
		}
		if _, err := insertChild(ctx, q, c); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByUUID hard-deletes a record and its statuses and drops its queued
// changes. Used for remote tombstones and for discarding a local duplicate.
func (r *AttendanceRepo) DeleteByUUID(ctx context.Context, id string) error {
	return r.run(ctx, func(q querier, outbox *Outbox) error {
		if err := deleteRecord(ctx, q, id); err != nil {
			return err
		}
		_, err := outbox.DiscardForUUID(ctx, KindAttendance, id)
		return err
	})
}

func deleteRecord(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM student_attendances WHERE attendance_record_uuid = ?`, id); err != nil {
		return fmt.Errorf("failed to delete student attendances of %s: %w", id, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM attendance_records WHERE uuid = ?`, id); err != nil {
		return fmt.Errorf("failed to delete attendance record %s: %w", id, err)
	}
	return nil
}

func insertChild(ctx context.Context, q querier, c StudentAttendance) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO student_attendances
			(attendance_record_uuid, student_uuid, status, sync_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.RecordUUID, c.StudentUUID, string(c.Status), string(c.SyncState),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert student attendance: %w", err)
	}
	return res.LastInsertId()
}

func checkParents(ctx context.Context, q querier, officeUUID, levelUUID string) error {
	for _, ref := range []struct {
		table, field, id string
	}{
		{"offices", "officeUuid", officeUUID},
		{"levels", "levelUuid", levelUUID},
	} {
		var n int
		if err := q.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE uuid = ? AND deleted_at IS NULL`, ref.table), ref.id,
		).Scan(&n); err != nil {
			return fmt.Errorf("failed to check %s: %w", ref.table, err)
		}
		if n == 0 {
			return invalidError(ref.field, fmt.Sprintf("%s %s does not exist", ref.table, ref.id))
		}
	}
	return nil
}
