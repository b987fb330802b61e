// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package restremote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mobiletoly/go-attendsync/remote"
)

const (
	preferRepresentation = "return=representation"
	preferMinimal        = "return=minimal"
)

type catalogJSON struct {
	ID        int64      `json:"id,omitempty"`
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (j catalogJSON) row() remote.CatalogRow {
	row := remote.CatalogRow{ID: j.ID, UUID: j.UUID, Name: j.Name, DeletedAt: j.DeletedAt}
	if j.CreatedAt != nil {
		row.CreatedAt = *j.CreatedAt
	}
	if j.UpdatedAt != nil {
		row.UpdatedAt = *j.UpdatedAt
	}
	return row
}

type uuidRef struct {
	UUID string `json:"uuid"`
}

type studentJSON struct {
	ID        int64      `json:"id,omitempty"`
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	OfficeID  int64      `json:"office_id"`
	LevelID   int64      `json:"level_id"`
	BirthDate *string    `json:"birth_date"`
	Phone     *string    `json:"phone"`
	Address   *string    `json:"address"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Office    *uuidRef   `json:"office,omitempty"`
	Level     *uuidRef   `json:"level,omitempty"`
}

func (j studentJSON) row() remote.StudentRow {
	row := remote.StudentRow{
		ID: j.ID, UUID: j.UUID, Name: j.Name, OfficeID: j.OfficeID, LevelID: j.LevelID,
		BirthDate: deref(j.BirthDate), Phone: deref(j.Phone), Address: deref(j.Address),
		DeletedAt: j.DeletedAt,
	}
	if j.CreatedAt != nil {
		row.CreatedAt = *j.CreatedAt
	}
	if j.UpdatedAt != nil {
		row.UpdatedAt = *j.UpdatedAt
	}
	if j.Office != nil {
		row.OfficeUUID = j.Office.UUID
	}
	if j.Level != nil {
		row.LevelUUID = j.Level.UUID
	}
	return row
}

type childJSON struct {
	AttendanceRecordUUID string     `json:"attendance_record_uuid,omitempty"`
	StudentUUID          string     `json:"student_uuid"`
	Status               string     `json:"status"`
	CreatedAt            *time.Time `json:"created_at,omitempty"`
	UpdatedAt            *time.Time `json:"updated_at,omitempty"`
}

type attendanceJSON struct {
	ID         int64       `json:"id,omitempty"`
	UUID       string      `json:"uuid"`
	Date       string      `json:"date"`
	OfficeUUID string      `json:"office_uuid"`
	LevelUUID  string      `json:"level_uuid"`
	CreatedAt  *time.Time  `json:"created_at,omitempty"`
	UpdatedAt  *time.Time  `json:"updated_at,omitempty"`
	DeletedAt  *time.Time  `json:"deleted_at,omitempty"`
	Students   []childJSON `json:"student_attendances,omitempty"`
}

func (j attendanceJSON) row() remote.AttendanceRow {
	row := remote.AttendanceRow{
		ID: j.ID, UUID: j.UUID, Date: j.Date, OfficeUUID: j.OfficeUUID, LevelUUID: j.LevelUUID,
		DeletedAt: j.DeletedAt,
	}
	if j.CreatedAt != nil {
		row.CreatedAt = *j.CreatedAt
	}
	if j.UpdatedAt != nil {
		row.UpdatedAt = *j.UpdatedAt
	}
	for _, c := range j.Students {
		child := remote.StudentAttendanceRow{StudentUUID: c.StudentUUID, Status: c.Status}
		if c.CreatedAt != nil {
			child.CreatedAt = *c.CreatedAt
		}
		if c.UpdatedAt != nil {
			child.UpdatedAt = *c.UpdatedAt
		}
		row.Students = append(row.Students, child)
	}
	return row
}

func (c *Client) ListCatalog(ctx context.Context, table string, filter remote.Filter) ([]remote.CatalogRow, error) {
	if err := remote.ValidateCatalogTable(table); err != nil {
		return nil, err
	}
	q := filterQuery(filter)
	q.Set("select", "id,uuid,name,created_at,updated_at,deleted_at")
	q.Set("order", "id.asc")
	var raw []catalogJSON
	if err := c.do(ctx, http.MethodGet, table, q, nil, "", &raw); err != nil {
		return nil, err
	}
	out := make([]remote.CatalogRow, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.row())
	}
	return out, nil
}

func (c *Client) InsertCatalog(ctx context.Context, table string, row remote.CatalogRow) (remote.CatalogRow, error) {
	if err := remote.ValidateCatalogTable(table); err != nil {
		return remote.CatalogRow{}, err
	}
	body := catalogJSON{
		UUID: row.UUID, Name: row.Name,
		CreatedAt: timePtr(row.CreatedAt), UpdatedAt: timePtr(row.UpdatedAt), DeletedAt: row.DeletedAt,
	}
	var created []catalogJSON
	if err := c.do(ctx, http.MethodPost, table, nil, body, preferRepresentation, &created); err != nil {
		return remote.CatalogRow{}, err
	}
	if len(created) == 0 {
		return remote.CatalogRow{}, fmt.Errorf("insert into %s returned no row", table)
	}
	return created[0].row(), nil
}

func (c *Client) UpdateCatalog(ctx context.Context, table string, row remote.CatalogRow) (bool, error) {
	if err := remote.ValidateCatalogTable(table); err != nil {
		return false, err
	}
	body := map[string]any{"name": row.Name, "updated_at": updatedAt(row.UpdatedAt)}
	var updated []catalogJSON
	if err := c.do(ctx, http.MethodPatch, table, liveByUUID(row.UUID), body, preferRepresentation, &updated); err != nil {
		return false, err
	}
	return len(updated) > 0, nil
}

const studentSelect = "id,uuid,name,office_id,level_id,birth_date,phone,address,created_at,updated_at,deleted_at," +
	"office:offices(uuid),level:levels(uuid)"

func (c *Client) ListStudents(ctx context.Context, filter remote.Filter) ([]remote.StudentRow, error) {
	q := filterQuery(filter)
	q.Set("select", studentSelect)
	q.Set("order", "id.asc")
	var raw []studentJSON
	if err := c.do(ctx, http.MethodGet, remote.TableStudents, q, nil, "", &raw); err != nil {
		return nil, err
	}
	out := make([]remote.StudentRow, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.row())
	}
	return out, nil
}

// parentID looks up the backend id of an office or level by uuid, including
// tombstones.
func (c *Client) parentID(ctx context.Context, table, id string) (int64, error) {
	q := url.Values{"uuid": {"eq." + id}, "select": {"id"}}
	var rows []struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, table, q, nil, "", &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, remote.ErrParentNotFound
	}
	return rows[0].ID, nil
}

func (c *Client) resolveParents(ctx context.Context, row *remote.StudentRow) error {
	var err error
	if row.OfficeID, err = c.parentID(ctx, remote.TableOffices, row.OfficeUUID); err != nil {
		return err
	}
	if row.LevelID, err = c.parentID(ctx, remote.TableLevels, row.LevelUUID); err != nil {
		return err
	}
	return nil
}

func (c *Client) InsertStudent(ctx context.Context, row remote.StudentRow) (remote.StudentRow, error) {
	if err := c.resolveParents(ctx, &row); err != nil {
		return remote.StudentRow{}, err
	}
	body := studentJSON{
		UUID: row.UUID, Name: row.Name, OfficeID: row.OfficeID, LevelID: row.LevelID,
		BirthDate: optional(row.BirthDate), Phone: optional(row.Phone), Address: optional(row.Address),
		CreatedAt: timePtr(row.CreatedAt), UpdatedAt: timePtr(row.UpdatedAt), DeletedAt: row.DeletedAt,
	}
	var created []studentJSON
	if err := c.do(ctx, http.MethodPost, remote.TableStudents, nil, body, preferRepresentation, &created); err != nil {
		return remote.StudentRow{}, err
	}
	if len(created) == 0 {
		return remote.StudentRow{}, fmt.Errorf("insert into students returned no row")
	}
	out := created[0].row()
	out.OfficeUUID, out.LevelUUID = row.OfficeUUID, row.LevelUUID
	return out, nil
}

func (c *Client) UpdateStudent(ctx context.Context, row remote.StudentRow) (bool, error) {
	if err := c.resolveParents(ctx, &row); err != nil {
		return false, err
	}
	body := map[string]any{
		"name":       row.Name,
		"office_id":  row.OfficeID,
		"level_id":   row.LevelID,
		"birth_date": optional(row.BirthDate),
		"phone":      optional(row.Phone),
		"address":    optional(row.Address),
		"updated_at": updatedAt(row.UpdatedAt),
	}
	var updated []studentJSON
	if err := c.do(ctx, http.MethodPatch, remote.TableStudents, liveByUUID(row.UUID), body, preferRepresentation, &updated); err != nil {
		return false, err
	}
	return len(updated) > 0, nil
}

const attendanceSelect = "id,uuid,date,office_uuid,level_uuid,created_at,updated_at,deleted_at," +
	"student_attendances(student_uuid,status,created_at,updated_at)"

func (c *Client) ListAttendance(ctx context.Context, filter remote.Filter) ([]remote.AttendanceRow, error) {
	q := filterQuery(filter)
	q.Set("select", attendanceSelect)
	q.Set("order", "created_at.desc")
	var raw []attendanceJSON
	if err := c.do(ctx, http.MethodGet, remote.TableAttendance, q, nil, "", &raw); err != nil {
		return nil, err
	}
	out := make([]remote.AttendanceRow, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.row())
	}
	return out, nil
}

// InsertAttendance posts the record and then its students. The gateway has no
// multi-statement transaction; a failure after the first call leaves the record
// without students until the next update replaces them.
func (c *Client) InsertAttendance(ctx context.Context, row remote.AttendanceRow) (remote.AttendanceRow, error) {
	body := attendanceJSON{
		UUID: row.UUID, Date: row.Date, OfficeUUID: row.OfficeUUID, LevelUUID: row.LevelUUID,
		CreatedAt: timePtr(row.CreatedAt), UpdatedAt: timePtr(row.UpdatedAt), DeletedAt: row.DeletedAt,
	}
	var created []attendanceJSON
	if err := c.do(ctx, http.MethodPost, remote.TableAttendance, nil, body, preferRepresentation, &created); err != nil {
		return remote.AttendanceRow{}, err
	}
	if len(created) == 0 {
		return remote.AttendanceRow{}, fmt.Errorf("insert into attendance_records returned no row")
	}
	if err := c.insertChildren(ctx, row); err != nil {
		return remote.AttendanceRow{}, err
	}
	out := created[0].row()
	out.Students = row.Students
	return out, nil
}

func (c *Client) UpdateAttendance(ctx context.Context, row remote.AttendanceRow) (bool, error) {
	body := map[string]any{
		"date":        row.Date,
		"office_uuid": row.OfficeUUID,
		"level_uuid":  row.LevelUUID,
		"updated_at":  updatedAt(row.UpdatedAt),
	}
	var updated []attendanceJSON
	if err := c.do(ctx, http.MethodPatch, remote.TableAttendance, liveByUUID(row.UUID), body, preferRepresentation, &updated); err != nil {
		return false, err
	}
	if len(updated) == 0 {
		return false, nil
	}
	q := url.Values{"attendance_record_uuid": {"eq." + row.UUID}}
	if err := c.do(ctx, http.MethodDelete, remote.TableStudentAttendances, q, nil, preferMinimal, nil); err != nil {
		return true, fmt.Errorf("failed to clear attendance students: %w", err)
	}
	if err := c.insertChildren(ctx, row); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Client) insertChildren(ctx context.Context, row remote.AttendanceRow) error {
	if len(row.Students) == 0 {
		return nil
	}
	body := make([]childJSON, 0, len(row.Students))
	for _, s := range row.Students {
		created, updated := s.CreatedAt, s.UpdatedAt
		if created.IsZero() {
			created = row.CreatedAt
		}
		if updated.IsZero() {
			updated = row.UpdatedAt
		}
		body = append(body, childJSON{
			AttendanceRecordUUID: row.UUID, StudentUUID: s.StudentUUID, Status: s.Status,
			CreatedAt: timePtr(created), UpdatedAt: timePtr(updated),
		})
	}
	if err := c.do(ctx, http.MethodPost, remote.TableStudentAttendances, nil, body, preferMinimal, nil); err != nil {
		return fmt.Errorf("failed to insert attendance students: %w", err)
	}
	return nil
}

func (c *Client) SoftDelete(ctx context.Context, table, id string, deletedAt time.Time) error {
	if err := remote.ValidateSoftDeleteTable(table); err != nil {
		return err
	}
	ts := updatedAt(deletedAt)
	body := map[string]any{"deleted_at": ts, "updated_at": ts}
	return c.do(ctx, http.MethodPatch, table, liveByUUID(id), body, preferMinimal, nil)
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
