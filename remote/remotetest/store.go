// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remotetest provides an in-memory remote.Store that enforces the
// same uniqueness and soft-delete rules as the Postgres schema.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mobiletoly/go-attendsync/remote"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected remote failure")

// Store is a goroutine-safe in-memory backend.
type Store struct {
	mu     sync.Mutex
	nextID int64

	catalog    map[string][]remote.CatalogRow // table -> rows
	students   []remote.StudentRow
	attendance []remote.AttendanceRow

	down     bool
	failures map[string]error // "table" or "table:op"
	calls    map[string]int
}

var _ remote.Store = (*Store)(nil)

// New returns an empty backend.
func New() *Store {
	return &Store{
		catalog: map[string][]remote.CatalogRow{
			remote.TableOffices: nil,
			remote.TableLevels:  nil,
		},
		failures: map[string]error{},
		calls:    map[string]int{},
	}
}

// SetDown makes every call, Ping included, fail as if the network were gone.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailOn makes operations on table fail with err. op is one of "list",
// "insert", "update", "delete", or "" for all of them. A nil err clears it.
func (s *Store) FailOn(table, op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := table
	if op != "" {
		key = table + ":" + op
	}
	if err == nil {
		delete(s.failures, key)
		return
	}
	s.failures[key] = err
}

// Calls returns how many times op was invoked on table.
func (s *Store) Calls(table, op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[table+":"+op]
}

func (s *Store) enter(table, op string) error {
	s.calls[table+":"+op]++
	if s.down {
		return fmt.Errorf("%s %s: %w", op, table, ErrInjected)
	}
	if err, ok := s.failures[table+":"+op]; ok {
		return err
	}
	if err, ok := s.failures[table]; ok {
		return err
	}
	return nil
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func unique(detail string) error {
	return &remote.Error{Code: remote.CodeUniqueViolation, Message: "duplicate key value violates unique constraint: " + detail, Status: 409}
}

// Ping fails while the store is down.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrInjected
	}
	return ctx.Err()
}

func matches(deletedAt *time.Time, filter remote.Filter) bool {
	if filter == remote.Deleted {
		return deletedAt != nil
	}
	return deletedAt == nil
}

func (s *Store) ListCatalog(_ context.Context, table string, filter remote.Filter) ([]remote.CatalogRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := remote.ValidateCatalogTable(table); err != nil {
		return nil, err
	}
	if err := s.enter(table, "list"); err != nil {
		return nil, err
	}
	var out []remote.CatalogRow
	for _, row := range s.catalog[table] {
		if matches(row.DeletedAt, filter) {
			out = append(out, copyCatalog(row))
		}
	}
	return out, nil
}

func (s *Store) InsertCatalog(_ context.Context, table string, row remote.CatalogRow) (remote.CatalogRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := remote.ValidateCatalogTable(table); err != nil {
		return remote.CatalogRow{}, err
	}
	if err := s.enter(table, "insert"); err != nil {
		return remote.CatalogRow{}, err
	}
	for _, existing := range s.catalog[table] {
		if existing.UUID == row.UUID {
			return remote.CatalogRow{}, unique(table + "_uuid_key")
		}
		if row.DeletedAt == nil && existing.DeletedAt == nil && existing.Name == row.Name {
			return remote.CatalogRow{}, unique(table + "_name_active")
		}
	}
	row.ID = s.id()
	stampTimes(&row.CreatedAt, &row.UpdatedAt)
	s.catalog[table] = append(s.catalog[table], copyCatalog(row))
	return copyCatalog(row), nil
}

func (s *Store) UpdateCatalog(_ context.Context, table string, row remote.CatalogRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := remote.ValidateCatalogTable(table); err != nil {
		return false, err
	}
	if err := s.enter(table, "update"); err != nil {
		return false, err
	}
	rows := s.catalog[table]
	for i := range rows {
		if rows[i].UUID != row.UUID || rows[i].DeletedAt != nil {
			continue
		}
		for j := range rows {
			if j != i && rows[j].DeletedAt == nil && rows[j].Name == row.Name {
				return false, unique(table + "_name_active")
			}
		}
		rows[i].Name = row.Name
		rows[i].UpdatedAt = row.UpdatedAt
		return true, nil
	}
	return false, nil
}

func (s *Store) findCatalog(table, id string) *remote.CatalogRow {
	for i := range s.catalog[table] {
		if s.catalog[table][i].UUID == id {
			return &s.catalog[table][i]
		}
	}
	return nil
}

func (s *Store) catalogByID(table string, id int64) *remote.CatalogRow {
	for i := range s.catalog[table] {
		if s.catalog[table][i].ID == id {
			return &s.catalog[table][i]
		}
	}
	return nil
}

// resolveParents fills OfficeID and LevelID from the uuids, like the
// INSERT ... SELECT of the Postgres backend.
func (s *Store) resolveParents(row *remote.StudentRow) error {
	office := s.findCatalog(remote.TableOffices, row.OfficeUUID)
	level := s.findCatalog(remote.TableLevels, row.LevelUUID)
	if office == nil || level == nil {
		return remote.ErrParentNotFound
	}
	row.OfficeID = office.ID
	row.LevelID = level.ID
	return nil
}

func (s *Store) ListStudents(_ context.Context, filter remote.Filter) ([]remote.StudentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(remote.TableStudents, "list"); err != nil {
		return nil, err
	}
	var out []remote.StudentRow
	for _, row := range s.students {
		if !matches(row.DeletedAt, filter) {
			continue
		}
		if office := s.catalogByID(remote.TableOffices, row.OfficeID); office != nil {
			row.OfficeUUID = office.UUID
		}
		if level := s.catalogByID(remote.TableLevels, row.LevelID); level != nil {
			row.LevelUUID = level.UUID
		}
		out = append(out, copyStudent(row))
	}
	return out, nil
}

func (s *Store) studentKeyTaken(row remote.StudentRow, skip int) bool {
	for i, existing := range s.students {
		if i == skip || existing.DeletedAt != nil || row.DeletedAt != nil {
			continue
		}
		if existing.Name == row.Name && existing.OfficeID == row.OfficeID && existing.LevelID == row.LevelID {
			return true
		}
	}
	return false
}

func (s *Store) InsertStudent(_ context.Context, row remote.StudentRow) (remote.StudentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(remote.TableStudents, "insert"); err != nil {
		return remote.StudentRow{}, err
	}
	if err := s.resolveParents(&row); err != nil {
		return remote.StudentRow{}, err
	}
	for _, existing := range s.students {
		if existing.UUID == row.UUID {
			return remote.StudentRow{}, unique("students_uuid_key")
		}
	}
	if s.studentKeyTaken(row, -1) {
		return remote.StudentRow{}, unique("students_key_active")
	}
	row.ID = s.id()
	stampTimes(&row.CreatedAt, &row.UpdatedAt)
	s.students = append(s.students, copyStudent(row))
	return copyStudent(row), nil
}

func (s *Store) UpdateStudent(_ context.Context, row remote.StudentRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(remote.TableStudents, "update"); err != nil {
		return false, err
	}
	for i := range s.students {
		if s.students[i].UUID != row.UUID || s.students[i].DeletedAt != nil {
			continue
		}
		if err := s.resolveParents(&row); err != nil {
			return false, err
		}
		if s.studentKeyTaken(row, i) {
			return false, unique("students_key_active")
		}
		cur := &s.students[i]
		cur.Name = row.Name
		cur.OfficeID = row.OfficeID
		cur.LevelID = row.LevelID
		cur.BirthDate = row.BirthDate
		cur.Phone = row.Phone
		cur.Address = row.Address
		cur.UpdatedAt = row.UpdatedAt
		return true, nil
	}
	return false, nil
}

func (s *Store) ListAttendance(_ context.Context, filter remote.Filter) ([]remote.AttendanceRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(remote.TableAttendance, "list"); err != nil {
		return nil, err
	}
	var out []remote.AttendanceRow
	for _, row := range s.attendance {
		if matches(row.DeletedAt, filter) {
			out = append(out, copyAttendance(row))
		}
	}
	// Newest first, like the backend query
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) attendanceKeyTaken(row remote.AttendanceRow, skip int) bool {
	for i, existing := range s.attendance {
		if i == skip || existing.DeletedAt != nil || row.DeletedAt != nil {
			continue
		}
		if existing.Date == row.Date && existing.OfficeUUID == row.OfficeUUID && existing.LevelUUID == row.LevelUUID {
			return true
		}
	}
	return false
}

func (s *Store) InsertAttendance(_ context.Context, row remote.AttendanceRow) (remote.AttendanceRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(remote.TableAttendance, "insert"); err != nil {
		return remote.AttendanceRow{}, err
	}
	for _, existing := range s.attendance {
		if existing.UUID == row.UUID {
			return remote.AttendanceRow{}, unique("attendance_records_uuid_key")
		}
	}
	if s.attendanceKeyTaken(row, -1) {
		return remote.AttendanceRow{}, unique("attendance_records_key_active")
	}
	row.ID = s.id()
	stampTimes(&row.CreatedAt, &row.UpdatedAt)
	s.attendance = append(s.attendance, copyAttendance(row))
	return copyAttendance(row), nil
}

func (s *Store) UpdateAttendance(_ context.Context, row remote.AttendanceRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(remote.TableAttendance, "update"); err != nil {
		return false, err
	}
	for i := range s.attendance {
		if s.attendance[i].UUID != row.UUID || s.attendance[i].DeletedAt != nil {
			continue
		}
		if s.attendanceKeyTaken(row, i) {
			return false, unique("attendance_records_key_active")
		}
		cur := &s.attendance[i]
		cur.Date = row.Date
		cur.OfficeUUID = row.OfficeUUID
		cur.LevelUUID = row.LevelUUID
		cur.UpdatedAt = row.UpdatedAt
		cur.Students = append([]remote.StudentAttendanceRow(nil), row.Students...)
		return true, nil
	}
	return false, nil
}

func (s *Store) SoftDelete(_ context.Context, table, id string, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := remote.ValidateSoftDeleteTable(table); err != nil {
		return err
	}
	if err := s.enter(table, "delete"); err != nil {
		return err
	}
	switch table {
	case remote.TableOffices, remote.TableLevels:
		if row := s.findCatalog(table, id); row != nil && row.DeletedAt == nil {
			row.DeletedAt = &deletedAt
			row.UpdatedAt = deletedAt
		}
	case remote.TableStudents:
		for i := range s.students {
			if s.students[i].UUID == id && s.students[i].DeletedAt == nil {
				s.students[i].DeletedAt = &deletedAt
				s.students[i].UpdatedAt = deletedAt
			}
		}
	case remote.TableAttendance:
		for i := range s.attendance {
			if s.attendance[i].UUID == id && s.attendance[i].DeletedAt == nil {
				s.attendance[i].DeletedAt = &deletedAt
				s.attendance[i].UpdatedAt = deletedAt
			}
		}
	}
	return nil
}

func stampTimes(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}

func copyCatalog(row remote.CatalogRow) remote.CatalogRow {
	if row.DeletedAt != nil {
		t := *row.DeletedAt
		row.DeletedAt = &t
	}
	return row
}

func copyStudent(row remote.StudentRow) remote.StudentRow {
	if row.DeletedAt != nil {
		t := *row.DeletedAt
		row.DeletedAt = &t
	}
	return row
}

func copyAttendance(row remote.AttendanceRow) remote.AttendanceRow {
	if row.DeletedAt != nil {
		t := *row.DeletedAt
		row.DeletedAt = &t
	}
	row.Students = append([]remote.StudentAttendanceRow(nil), row.Students...)
	return row
}
