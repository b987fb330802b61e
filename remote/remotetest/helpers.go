// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remotetest

import (
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-attendsync/remote"
)

// SeedCatalog stores a row as if another device had uploaded it, bypassing
// failure injection. A missing uuid is generated.
func (s *Store) SeedCatalog(table string, row remote.CatalogRow) remote.CatalogRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.UUID == "" {
		row.UUID = uuid.NewString()
	}
	row.ID = s.id()
	stampTimes(&row.CreatedAt, &row.UpdatedAt)
	s.catalog[table] = append(s.catalog[table], copyCatalog(row))
	return copyCatalog(row)
}

// SeedStudent stores a student whose parents already exist.
func (s *Store) SeedStudent(row remote.StudentRow) (remote.StudentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.UUID == "" {
		row.UUID = uuid.NewString()
	}
	if err := s.resolveParents(&row); err != nil {
		return remote.StudentRow{}, err
	}
	row.ID = s.id()
	stampTimes(&row.CreatedAt, &row.UpdatedAt)
	s.students = append(s.students, copyStudent(row))
	return copyStudent(row), nil
}

// SeedAttendance stores an attendance record with its children.
func (s *Store) SeedAttendance(row remote.AttendanceRow) remote.AttendanceRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.UUID == "" {
		row.UUID = uuid.NewString()
	}
	row.ID = s.id()
	stampTimes(&row.CreatedAt, &row.UpdatedAt)
	s.attendance = append(s.attendance, copyAttendance(row))
	return copyAttendance(row)
}

// EditCatalog renames a live row and moves its updated_at, simulating an
// edit made on another device.
func (s *Store) EditCatalog(table, id, name string, updatedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.findCatalog(table, id)
	if row == nil || row.DeletedAt != nil {
		return false
	}
	row.Name = name
	row.UpdatedAt = updatedAt
	return true
}

// Catalog returns every row of table, tombstones included.
func (s *Store) Catalog(table string) []remote.CatalogRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.CatalogRow, 0, len(s.catalog[table]))
	for _, row := range s.catalog[table] {
		out = append(out, copyCatalog(row))
	}
	return out
}

// Students returns every student, tombstones included.
func (s *Store) Students() []remote.StudentRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.StudentRow, 0, len(s.students))
	for _, row := range s.students {
		out = append(out, copyStudent(row))
	}
	return out
}

// Attendance returns every attendance record, tombstones included.
func (s *Store) Attendance() []remote.AttendanceRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.AttendanceRow, 0, len(s.attendance))
	for _, row := range s.attendance {
		out = append(out, copyAttendance(row))
	}
	return out
}
