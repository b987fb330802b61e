// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the boundary to the shared relational backend:
// row shapes, the Store contract and the error taxonomy the sync engine
// relies on. Implementations live in pgremote (direct Postgres),
// restremote (PostgREST gateway) and remotetest (in memory).
package remote

import (
	"context"
	"fmt"
	"time"
)

// Remote table names.
const (
	TableOffices            = "offices"
	TableLevels             = "levels"
	TableStudents           = "students"
	TableAttendance         = "attendance_records"
	TableStudentAttendances = "student_attendances"
)

// ValidateCatalogTable rejects anything but offices and levels.
func ValidateCatalogTable(table string) error {
	if table != TableOffices && table != TableLevels {
		return fmt.Errorf("%q is not a catalog table", table)
	}
	return nil
}

// ValidateSoftDeleteTable rejects tables without a deleted_at column.
func ValidateSoftDeleteTable(table string) error {
	switch table {
	case TableOffices, TableLevels, TableStudents, TableAttendance:
		return nil
	default:
		return fmt.Errorf("%q does not support soft delete", table)
	}
}

// Filter selects live rows or tombstones.
type Filter int

const (
	Active  Filter = iota // deleted_at IS NULL
	Deleted               // deleted_at IS NOT NULL
)

func (f Filter) String() string {
	if f == Deleted {
		return "deleted"
	}
	return "active"
}

// CatalogRow is a remote office or level.
type CatalogRow struct {
	ID        int64
	UUID      string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// StudentRow is a remote student. The backend references parents by its own
// ids; OfficeUUID and LevelUUID are resolved through a join.
type StudentRow struct {
	ID         int64
	UUID       string
	Name       string
	OfficeID   int64
	LevelID    int64
	OfficeUUID string
	LevelUUID  string
	BirthDate  string
	Phone      string
	Address    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// StudentAttendanceRow is a child of AttendanceRow.
type StudentAttendanceRow struct {
	StudentUUID string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AttendanceRow is a remote attendance record with its children, fetched in
// one round trip.
type AttendanceRow struct {
	ID         int64
	UUID       string
	Date       string
	OfficeUUID string
	LevelUUID  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
	Students   []StudentAttendanceRow
}

// Store is the remote backend as seen by the sync engine.
//
// Inserts report an identity or natural-key collision as a unique violation
// (see IsUniqueViolation). Updates match by uuid among live rows only and
// report whether a row matched. SoftDelete is idempotent and succeeds for
// absent rows.
type Store interface {
	Ping(ctx context.Context) error

	ListCatalog(ctx context.Context, table string, filter Filter) ([]CatalogRow, error)
	InsertCatalog(ctx context.Context, table string, row CatalogRow) (CatalogRow, error)
	UpdateCatalog(ctx context.Context, table string, row CatalogRow) (bool, error)

	ListStudents(ctx context.Context, filter Filter) ([]StudentRow, error)
	InsertStudent(ctx context.Context, row StudentRow) (StudentRow, error)
	UpdateStudent(ctx context.Context, row StudentRow) (bool, error)

	ListAttendance(ctx context.Context, filter Filter) ([]AttendanceRow, error)
	InsertAttendance(ctx context.Context, row AttendanceRow) (AttendanceRow, error)
	UpdateAttendance(ctx context.Context, row AttendanceRow) (bool, error)

	SoftDelete(ctx context.Context, table, uuid string, deletedAt time.Time) error
}
