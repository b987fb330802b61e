// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"database/sql"
	"fmt"
	"time"
)

// Kind identifies a synchronized entity.
type Kind int

const (
	KindUnknown Kind = iota
	KindOffices
	KindLevels
	KindStudents
	KindAttendance
)

// Kinds lists every entity in download order: parents before children.
var Kinds = []Kind{KindOffices, KindLevels, KindStudents, KindAttendance}

// String returns the outbox entity name.
func (k Kind) String() string {
	switch k {
	case KindOffices:
		return "offices"
	case KindLevels:
		return "levels"
	case KindStudents:
		return "students"
	case KindAttendance:
		return "attendance"
	default:
		return "unknown"
	}
}

// Table returns the local table backing the entity.
func (k Kind) Table() string {
	switch k {
	case KindOffices:
		return "offices"
	case KindLevels:
		return "levels"
	case KindStudents:
		return "students"
	case KindAttendance:
		return "attendance_records"
	default:
		return ""
	}
}

// ParseKind resolves an entity name. Both "attendance" and
// "attendance_records" name the attendance aggregate.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "offices":
		return KindOffices, nil
	case "levels":
		return KindLevels, nil
	case "students":
		return KindStudents, nil
	case "attendance", "attendance_records":
		return KindAttendance, nil
	default:
		return KindUnknown, fmt.Errorf("unknown entity kind %q", s)
	}
}

// SyncState is the per-row sync bookkeeping marker.
type SyncState string

const (
	StateSynced        SyncState = "synced"
	StatePendingInsert SyncState = "pendingInsert"
	StatePendingUpdate SyncState = "pendingUpdate"
	StatePendingDelete SyncState = "pendingDelete"
)

// Op is an outbox operation.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

func (o Op) valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// AttendanceStatus is a student's status within an attendance session.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
	StatusExcused AttendanceStatus = "excused"
)

// Meta carries the bookkeeping columns shared by offices, levels and students.
type Meta struct {
	LocalID   int64
	UUID      string
	RemoteID  *int64
	SyncState SyncState
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the row carries a soft-delete marker.
func (m Meta) Deleted() bool { return m.DeletedAt != nil }

// LastModified is max(updatedAt, createdAt), the value the download
// conflict rule compares.
func (m Meta) LastModified() time.Time {
	return latest(m.UpdatedAt, m.CreatedAt)
}

// CatalogItem is an office or a level. Both share the same shape and rules.
type CatalogItem struct {
	Meta
	Name string
}

// Student belongs to one office and one level.
type Student struct {
	Meta
	Name       string
	OfficeUUID string
	LevelUUID  string
	BirthDate  string
	Phone      string
	Address    string
}

// AttendanceRecord is one attendance session for an office, level and day.
type AttendanceRecord struct {
	LocalID    int64
	UUID       string
	Date       string
	OfficeUUID string
	LevelUUID  string
	RemoteID   *int64
	SyncState  SyncState
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Filled by List only.
	OfficeName string
	LevelName  string
}

// LastModified mirrors Meta.LastModified.
func (r AttendanceRecord) LastModified() time.Time {
	return latest(r.UpdatedAt, r.CreatedAt)
}

// StudentAttendance is a child row of an AttendanceRecord.
type StudentAttendance struct {
	LocalID     int64
	RecordUUID  string
	StudentUUID string
	Status      AttendanceStatus
	SyncState   SyncState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DateLayout is the calendar-day format of attendance dates.
const DateLayout = "2006-01-02"

// Stored timestamps use a fixed-width layout so they also sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func timePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
