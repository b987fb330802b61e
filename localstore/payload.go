// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the field snapshot carried by an outbox entry. The set of
// implementations is closed: CatalogPayload, StudentPayload, AttendancePayload.
type Payload interface {
	kind() []Kind
}

// CatalogPayload snapshots an office or a level.
type CatalogPayload struct {
	UUID      string     `json:"uuid" validate:"required,uuid"`
	Name      string     `json:"name" validate:"required"`
	CreatedAt time.Time  `json:"createdAt" validate:"required"`
	UpdatedAt time.Time  `json:"updatedAt" validate:"required"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (CatalogPayload) kind() []Kind { return []Kind{KindOffices, KindLevels} }

// StudentPayload snapshots a student.
type StudentPayload struct {
	UUID       string     `json:"uuid" validate:"required,uuid"`
	Name       string     `json:"name" validate:"required"`
	OfficeUUID string     `json:"officeUuid" validate:"required,uuid"`
	LevelUUID  string     `json:"levelUuid" validate:"required,uuid"`
	BirthDate  string     `json:"birthDate,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Address    string     `json:"address,omitempty"`
	CreatedAt  time.Time  `json:"createdAt" validate:"required"`
	UpdatedAt  time.Time  `json:"updatedAt" validate:"required"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

func (StudentPayload) kind() []Kind { return []Kind{KindStudents} }

// StudentStatus is one student's status inside an attendance session.
type StudentStatus struct {
	StudentUUID string           `json:"studentUuid" validate:"required,uuid"`
	Status      AttendanceStatus `json:"status" validate:"required,oneof=present absent excused"`
}

// AttendancePayload snapshots an attendance record together with its children.
type AttendancePayload struct {
	UUID       string          `json:"uuid" validate:"required,uuid"`
	Date       string          `json:"date" validate:"required,datetime=2006-01-02"`
	OfficeUUID string          `json:"officeUuid" validate:"required,uuid"`
	LevelUUID  string          `json:"levelUuid" validate:"required,uuid"`
	Students   []StudentStatus `json:"students" validate:"dive"`
	CreatedAt  time.Time       `json:"createdAt" validate:"required"`
	UpdatedAt  time.Time       `json:"updatedAt" validate:"required"`
}

func (AttendancePayload) kind() []Kind { return []Kind{KindAttendance} }

func payloadMatches(k Kind, p Payload) bool {
	for _, pk := range p.kind() {
		if pk == k {
			return true
		}
	}
	return false
}

func encodePayload(k Kind, p Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("payload is required")
	}
	if !payloadMatches(k, p) {
		return "", fmt.Errorf("payload %T does not belong to %s", p, k)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(b), nil
}

func decodePayload(k Kind, raw string) (Payload, error) {
	switch k {
	case KindOffices, KindLevels:
		var p CatalogPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", k, err)
		}
		return p, nil
	case KindStudents:
		var p StudentPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", k, err)
		}
		return p, nil
	case KindAttendance:
		var p AttendancePayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", k, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("no payload type for %s", k)
	}
}

func catalogPayload(item CatalogItem) CatalogPayload {
	return CatalogPayload{
		UUID:      item.UUID,
		Name:      item.Name,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
		DeletedAt: item.DeletedAt,
	}
}

func studentPayload(s Student) StudentPayload {
	return StudentPayload{
		UUID:       s.UUID,
		Name:       s.Name,
		OfficeUUID: s.OfficeUUID,
		LevelUUID:  s.LevelUUID,
		BirthDate:  s.BirthDate,
		Phone:      s.Phone,
		Address:    s.Address,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		DeletedAt:  s.DeletedAt,
	}
}

func attendancePayload(r AttendanceRecord, children []StudentAttendance) AttendancePayload {
	students := make([]StudentStatus, 0, len(children))
	for _, c := range children {
		students = append(students, StudentStatus{StudentUUID: c.StudentUUID, Status: c.Status})
	}
	return AttendancePayload{
		UUID:       r.UUID,
		Date:       r.Date,
		OfficeUUID: r.OfficeUUID,
		LevelUUID:  r.LevelUUID,
		Students:   students,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
