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

// StudentInput describes a student mutation.
type StudentInput struct {
	Name       string `validate:"required,max=200"`
	OfficeUUID string `validate:"required,uuid"`
	LevelUUID  string `validate:"required,uuid"`
	BirthDate  string `validate:"omitempty,datetime=2006-01-02"`
	Phone      string `validate:"omitempty,max=32"`
	Address    string `validate:"omitempty,max=500"`

	// Bootstrap only, see CatalogInput.
	UUID     string `validate:"omitempty,uuid"`
	RemoteID *int64
}

func (in *StudentInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Address = strings.TrimSpace(in.Address)
}

// StudentRepo manages students. (name, office, level) is unique among active rows.
type StudentRepo struct {
	scope
}

// NewStudents returns the students repository.
func NewStudents(store *Store) *StudentRepo {
	return &StudentRepo{scope: scope{store: store}}
}

// Kind returns KindStudents.
func (r *StudentRepo) Kind() Kind { return KindStudents }

// WithTx returns a copy of the repository bound to tx.
func (r *StudentRepo) WithTx(tx *sql.Tx) *StudentRepo {
	return &StudentRepo{scope: scope{store: r.store, tx: tx}}
}

const studentSelect = `SELECT ` + metaColumns + `, name, office_uuid, level_uuid, birth_date, phone, address FROM students WHERE `

func scanStudent(row rowScanner) (Student, error) {
	var (
		s                       Student
		m                       metaScan
		birth, phone, addressNS sql.NullString
	)
	dest := append(m.dest(&s.Meta), &s.Name, &s.OfficeUUID, &s.LevelUUID, &birth, &phone, &addressNS)
	if err := row.Scan(dest...); err != nil {
		return s, err
	}
	if err := m.fill(&s.Meta); err != nil {
		return s, err
	}
	s.BirthDate = birth.String
	s.Phone = phone.String
	s.Address = addressNS.String
	return s, nil
}

func (r *StudentRepo) queryOne(ctx context.Context, q querier, where string, args ...any) (*Student, error) {
	s, err := scanStudent(q.QueryRowContext(ctx, studentSelect+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load student: %w", err)
	}
	return &s, nil
}

func (r *StudentRepo) queryMany(ctx context.Context, where string, args ...any) ([]Student, error) {
	rows, err := r.q().QueryContext(ctx, studentSelect+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate students: %w", err)
	}
	return out, nil
}

// List returns active students ordered by name.
func (r *StudentRepo) List(ctx context.Context) ([]Student, error) {
	return r.queryMany(ctx, `deleted_at IS NULL ORDER BY name COLLATE NOCASE, id`)
}

// ListByOfficeLevel returns the active students of one office and level,
// which is the roster of an attendance sheet.
func (r *StudentRepo) ListByOfficeLevel(ctx context.Context, officeUUID, levelUUID string) ([]Student, error) {
	return r.queryMany(ctx,
		`office_uuid = ? AND level_uuid = ? AND deleted_at IS NULL ORDER BY name COLLATE NOCASE, id`,
		officeUUID, levelUUID)
}

// Get returns an active student by local id.
func (r *StudentRepo) Get(ctx context.Context, localID int64) (Student, error) {
	s, err := r.queryOne(ctx, r.q(), `id = ? AND deleted_at IS NULL`, localID)
	if err != nil {
		return Student{}, err
	}
	if s == nil {
		return Student{}, notFound(KindStudents, localID)
	}
	return *s, nil
}

// GetByUUID returns an active student by uuid.
func (r *StudentRepo) GetByUUID(ctx context.Context, id string) (Student, error) {
	s, err := r.queryOne(ctx, r.q(), `uuid = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return Student{}, err
	}
	if s == nil {
		return Student{}, notFound(KindStudents, id)
	}
	return *s, nil
}

// FindByUUID returns the student with the given uuid, tombstones included, or nil.
func (r *StudentRepo) FindByUUID(ctx context.Context, id string) (*Student, error) {
	return r.queryOne(ctx, r.q(), `uuid = ?`, id)
}

// FindActiveByKey returns the live student with the given name in an office
// and level, or nil.
func (r *StudentRepo) FindActiveByKey(ctx context.Context, name, officeUUID, levelUUID string) (*Student, error) {
	return r.queryOne(ctx, r.q(),
		`name = ? AND office_uuid = ? AND level_uuid = ? AND deleted_at IS NULL`,
		strings.TrimSpace(name), officeUUID, levelUUID)
}

func (r *StudentRepo) keyTaken(ctx context.Context, q querier, in StudentInput, exceptID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM students
		WHERE name = ? AND office_uuid = ? AND level_uuid = ? AND deleted_at IS NULL AND id <> ?`,
		in.Name, in.OfficeUUID, in.LevelUUID, exceptID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check student key: %w", err)
	}
	return n > 0, nil
}

func duplicateStudent(name string) error {
	return duplicateError("name", fmt.Sprintf("student %q already exists in this office and level", name))
}

// Insert creates a student and queues it for upload.
func (r *StudentRepo) Insert(ctx context.Context, in StudentInput) (Student, error) {
	in.normalize()
	if err := validateStruct(in); err != nil {
		return Student{}, err
	}

	now := r.store.Now()
	s := Student{
		Meta: Meta{
			UUID:      in.UUID,
			RemoteID:  in.RemoteID,
			SyncState: StatePendingInsert,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Name:       in.Name,
		OfficeUUID: in.OfficeUUID,
		LevelUUID:  in.LevelUUID,
		BirthDate:  in.BirthDate,
		Phone:      in.Phone,
		Address:    in.Address,
	}
	if s.UUID == "" {
		s.UUID = uuid.NewString()
	}
	if in.RemoteID != nil {
		s.SyncState = StateSynced
	}

	err := r.run(ctx, func(q querier, outbox *Outbox) error {
		if err := checkParents(ctx, q, in.OfficeUUID, in.LevelUUID); err != nil {
			return err
		}
		taken, err := r.keyTaken(ctx, q, in, 0)
		if err != nil {
			return err
		}
		if taken {
			return duplicateStudent(in.Name)
		}

		res, err := q.ExecContext(ctx, `
			INSERT INTO students
				(uuid, name, office_uuid, level_uuid, birth_date, phone, address, remote_id, sync_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.UUID, s.Name, s.OfficeUUID, s.LevelUUID,
			nullString(s.BirthDate), nullString(s.Phone), nullString(s.Address),
			nullInt64(s.RemoteID), string(s.SyncState), formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraint(err) {
				return duplicateError("uuid", fmt.Sprintf("student %s already exists", s.UUID))
			}
			return fmt.Errorf("failed to insert student: %w", err)
		}
		if s.LocalID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read student id: %w", err)
		}

		if s.SyncState != StatePendingInsert {
			return nil
		}
		_, err = outbox.Enqueue(ctx, OutboxEntry{
			Kind:          KindStudents,
			EntityLocalID: &s.LocalID,
			EntityUUID:    s.UUID,
			Op:            OpInsert,
			Payload:       studentPayload(s),
		})
		return err
	})
	if err != nil {
		return Student{}, err
	}
	return s, nil
}

// Update replaces the fields of an active student and queues a collapsed UPDATE.
func (r *StudentRepo) Update(ctx context.Context, localID int64, in StudentInput) (Student, error) {
	in.normalize()
	if err := validateStruct(in); err != nil {
		return Student{}, err
	}

	var s Student
	err := r.run(ctx, func(q querier, outbox *Outbox) error {
		current, err := r.queryOne(ctx, q, `id = ? AND deleted_at IS NULL`, localID)
		if err != nil {
			return err
		}
		if current == nil {
			return notFound(KindStudents, localID)
		}
		if err := checkParents(ctx, q, in.OfficeUUID, in.LevelUUID); err != nil {
			return err
		}
		taken, err := r.keyTaken(ctx, q, in, localID)
		if err != nil {
			return err
		}
		if taken {
			return duplicateStudent(in.Name)
		}

		s = *current
		s.Name = in.Name
		s.OfficeUUID = in.OfficeUUID
		s.LevelUUID = in.LevelUUID
		s.BirthDate = in.BirthDate
		s.Phone = in.Phone
		s.Address = in.Address
		s.UpdatedAt = r.store.Now()
		s.SyncState = StatePendingUpdate

		if _, err := q.ExecContext(ctx, `
			UPDATE students
			SET name = ?, office_uuid = ?, level_uuid = ?, birth_date = ?, phone = ?, address = ?,
			    updated_at = ?, sync_state = ?
			WHERE id = ?`,
			s.Name, s.OfficeUUID, s.LevelUUID,
			nullString(s.BirthDate), nullString(s.Phone), nullString(s.Address),
			formatTime(s.UpdatedAt), string(s.SyncState), s.LocalID,
		); err != nil {
			return fmt.Errorf("failed to update student: %w", err)
		}

		_, err = outbox.EnqueueCollapsed(ctx, OutboxEntry{
			Kind:           KindStudents,
			EntityLocalID:  &s.LocalID,
			EntityUUID:     s.UUID,
			EntityRemoteID: s.RemoteID,
			Op:             OpUpdate,
			Payload:        studentPayload(s),
		})
		return err
	})
	if err != nil {
		return Student{}, err
	}
	return s, nil
}

// Delete soft-deletes an active student and queues a DELETE.
func (r *StudentRepo) Delete(ctx context.Context, localID int64) error {
	return r.run(ctx, func(q querier, outbox *Outbox) error {
		current, err := r.queryOne(ctx, q, `id = ? AND deleted_at IS NULL`, localID)
		if err != nil {
			return err
		}
		if current == nil {
			return notFound(KindStudents, localID)
		}

		now := r.store.Now()
		s := *current
		s.DeletedAt = &now
		s.UpdatedAt = now
		s.SyncState = StatePendingDelete

		if _, err := q.ExecContext(ctx,
			`UPDATE students SET deleted_at = ?, updated_at = ?, sync_state = ? WHERE id = ?`,
			formatTime(now), formatTime(now), string(s.SyncState), s.LocalID,
		); err != nil {
			return fmt.Errorf("failed to delete student: %w", err)
		}

		_, err = outbox.Enqueue(ctx, OutboxEntry{
			Kind:           KindStudents,
			EntityLocalID:  &s.LocalID,
			EntityUUID:     s.UUID,
			EntityRemoteID: s.RemoteID,
			Op:             OpDelete,
			Payload:        studentPayload(s),
		})
		return err
	})
}

// SetRemoteID records the id assigned by the remote store.
func (r *StudentRepo) SetRemoteID(ctx context.Context, localID, remoteID int64) error {
	return setRemoteID(ctx, r.q(), "students", localID, remoteID)
}

// MarkSynced flips the row to synced if it is still in the expected state.
func (r *StudentRepo) MarkSynced(ctx context.Context, localID int64, expected SyncState) error {
	return markSynced(ctx, r.q(), "students", localID, expected)
}

// MarkRemoteDeleted applies a remote tombstone. The student's attendance
// statuses are removed first.
func (r *StudentRepo) MarkRemoteDeleted(ctx context.Context, id string, remoteID *int64, deletedAt time.Time) (bool, error) {
	var changed bool
	err := r.run(ctx, func(q querier, _ *Outbox) error {
		current, err := r.queryOne(ctx, q, `uuid = ? AND deleted_at IS NULL`, id)
		if err != nil || current == nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM student_attendances WHERE student_uuid = ?`, id); err != nil {
			return fmt.Errorf("failed to delete attendance of student %s: %w", id, err)
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE students SET deleted_at = ?, remote_id = COALESCE(remote_id, ?), sync_state = 'synced'
			WHERE uuid = ?`,
			formatTime(deletedAt), nullInt64(remoteID), id,
		); err != nil {
			return fmt.Errorf("failed to apply remote delete to student %s: %w", id, err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// ApplyRemoteFields overwrites a synced local student with remote values.
func (r *StudentRepo) ApplyRemoteFields(ctx context.Context, s Student) (bool, error) {
	res, err := r.q().ExecContext(ctx, `
		UPDATE students
		SET name = ?, office_uuid = ?, level_uuid = ?, birth_date = ?, phone = ?, address = ?,
		    remote_id = ?, created_at = ?, updated_at = ?
		WHERE uuid = ? AND sync_state = 'synced'`,
		s.Name, s.OfficeUUID, s.LevelUUID,
		nullString(s.BirthDate), nullString(s.Phone), nullString(s.Address),
		nullInt64(s.RemoteID), formatTime(s.CreatedAt), formatTime(s.UpdatedAt), s.UUID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply remote student %s: %w", s.UUID, err)
	}
	return rowsAffected(res) > 0, nil
}

// InsertIfAbsent stores a remote student as synced unless its uuid is already present.
func (r *StudentRepo) InsertIfAbsent(ctx context.Context, s Student) (bool, error) {
	res, err := r.q().ExecContext(ctx, `
		INSERT OR IGNORE INTO students
			(uuid, name, office_uuid, level_uuid, birth_date, phone, address, remote_id, sync_state, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'synced', ?, ?, ?)`,
		s.UUID, s.Name, s.OfficeUUID, s.LevelUUID,
		nullString(s.BirthDate), nullString(s.Phone), nullString(s.Address),
		nullInt64(s.RemoteID), formatTime(s.CreatedAt), formatTime(s.UpdatedAt), nullTime(s.DeletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert remote student %s: %w", s.UUID, err)
	}
	return rowsAffected(res) > 0, nil
}

// DeleteByUUID removes a local student outright, cascading to its attendance
// statuses, and drops its queued changes.
func (r *StudentRepo) DeleteByUUID(ctx context.Context, id string) error {
	return r.run(ctx, func(q querier, outbox *Outbox) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM students WHERE uuid = ?`, id); err != nil {
			return fmt.Errorf("failed to delete student %s: %w", id, err)
		}
		_, err := outbox.DiscardForUUID(ctx, KindStudents, id)
		return err
	})
}
