// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package restremote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiletoly/go-attendsync/remote"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

type gateway struct {
	mu       sync.Mutex
	requests []recorded
	respond  func(r *http.Request) (int, string)
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.requests = append(g.requests, recorded{
		Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone(), Body: string(body),
	})
	g.mu.Unlock()
	status, resp := g.respond(r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp))
}

func (g *gateway) all() []recorded {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]recorded(nil), g.requests...)
}

func newGateway(t *testing.T, respond func(r *http.Request) (int, string)) (*gateway, *Client) {
	t.Helper()
	g := &gateway{respond: respond}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, New(srv.URL+"/", "anon-key")
}

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func TestClient_ListCatalog(t *testing.T) {
	g, c := newGateway(t, func(r *http.Request) (int, string) {
		return http.StatusOK, `[{"id":7,"uuid":"u-1","name":"North","created_at":"2025-03-01T09:00:00+00:00",` +
			`"updated_at":"2025-03-01T10:00:00+00:00","deleted_at":null}]`
	})

	rows, err := c.ListCatalog(context.Background(), remote.TableOffices, remote.Active)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(7), rows[0].ID)
	require.Equal(t, "North", rows[0].Name)
	require.Nil(t, rows[0].DeletedAt)
	require.True(t, rows[0].UpdatedAt.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))

	reqs := g.all()
	require.Len(t, reqs, 1)
	require.Equal(t, "/rest/v1/offices", reqs[0].Path)
	require.Contains(t, reqs[0].Query, "deleted_at=is.null")
	require.Equal(t, "anon-key", reqs[0].Header.Get("apikey"))
	require.Equal(t, "Bearer anon-key", reqs[0].Header.Get("Authorization"))

	_, err = c.ListCatalog(context.Background(), remote.TableOffices, remote.Deleted)
	require.NoError(t, err)
	require.Contains(t, g.all()[1].Query, "deleted_at=not.is.null")

	_, err = c.ListCatalog(context.Background(), remote.TableStudents, remote.Active)
	require.Error(t, err)
}

func TestClient_TokenProvider(t *testing.T) {
	g, c := newGateway(t, func(r *http.Request) (int, string) { return http.StatusOK, `[]` })
	WithTokenProvider(staticToken("jwt-123"))(c)

	require.NoError(t, c.Ping(context.Background()))
	require.Equal(t, "Bearer jwt-123", g.all()[0].Header.Get("Authorization"))
	require.Equal(t, "anon-key", g.all()[0].Header.Get("apikey"))
}

func TestClient_ErrorMapping(t *testing.T) {
	_, c := newGateway(t, func(r *http.Request) (int, string) {
		return http.StatusConflict, `{"code":"23505","message":"duplicate key value violates unique constraint","details":null,"hint":null}`
	})

	_, err := c.InsertCatalog(context.Background(), remote.TableLevels, remote.CatalogRow{UUID: "u-1", Name: "L1"})
	require.True(t, remote.IsUniqueViolation(err))
	var remoteErr *remote.Error
	require.True(t, errors.As(err, &remoteErr))
	require.Equal(t, http.StatusConflict, remoteErr.Status)

	_, c = newGateway(t, func(r *http.Request) (int, string) { return http.StatusBadGateway, `upstream down` })
	err = c.Ping(context.Background())
	require.True(t, errors.As(err, &remoteErr))
	require.Equal(t, "upstream down", remoteErr.Message)
	require.False(t, remote.IsUniqueViolation(err))
}

func TestClient_InsertCatalogSendsPreferHeader(t *testing.T) {
	g, c := newGateway(t, func(r *http.Request) (int, string) {
		return http.StatusCreated, `[{"id":3,"uuid":"u-1","name":"L1","created_at":"2025-03-01T09:00:00Z","updated_at":"2025-03-01T09:00:00Z"}]`
	})
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	row, err := c.InsertCatalog(context.Background(), remote.TableLevels, remote.CatalogRow{UUID: "u-1", Name: "L1", CreatedAt: ts, UpdatedAt: ts})
	require.NoError(t, err)
	require.Equal(t, int64(3), row.ID)

	req := g.all()[0]
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "return=representation", req.Header.Get("Prefer"))
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	require.Equal(t, "L1", body["name"])
	require.NotContains(t, body, "id")
	require.NotContains(t, body, "deleted_at")
}

func TestClient_UpdateReportsMatch(t *testing.T) {
	var matched atomic.Bool
	g, c := newGateway(t, func(r *http.Request) (int, string) {
		if matched.Load() {
			return http.StatusOK, `[{"id":1,"uuid":"u-1","name":"New"}]`
		}
		return http.StatusOK, `[]`
	})

	ok, err := c.UpdateCatalog(context.Background(), remote.TableOffices, remote.CatalogRow{UUID: "u-1", Name: "New"})
	require.NoError(t, err)
	require.False(t, ok)

	matched.Store(true)
	ok, err = c.UpdateCatalog(context.Background(), remote.TableOffices, remote.CatalogRow{UUID: "u-1", Name: "New"})
	require.NoError(t, err)
	require.True(t, ok)

	req := g.all()[0]
	require.Equal(t, http.MethodPatch, req.Method)
	require.Contains(t, req.Query, "uuid=eq.u-1")
	require.Contains(t, req.Query, "deleted_at=is.null")
}

func TestClient_StudentParents(t *testing.T) {
	_, c := newGateway(t, func(r *http.Request) (int, string) {
		if r.URL.Path == "/rest/v1/levels" {
			return http.StatusOK, `[]`
		}
		return http.StatusOK, `[{"id":11}]`
	})
	_, err := c.InsertStudent(context.Background(), remote.StudentRow{UUID: "s-1", Name: "Ana", OfficeUUID: "o-1", LevelUUID: "l-1"})
	require.ErrorIs(t, err, remote.ErrParentNotFound)

	g, c := newGateway(t, func(r *http.Request) (int, string) {
		switch r.URL.Path {
		case "/rest/v1/offices":
			return http.StatusOK, `[{"id":11}]`
		case "/rest/v1/levels":
			return http.StatusOK, `[{"id":12}]`
		}
		return http.StatusCreated, `[{"id":5,"uuid":"s-1","name":"Ana","office_id":11,"level_id":12,"phone":null}]`
	})
	st, err := c.InsertStudent(context.Background(), remote.StudentRow{UUID: "s-1", Name: "Ana", OfficeUUID: "o-1", LevelUUID: "l-1"})
	require.NoError(t, err)
	require.Equal(t, int64(11), st.OfficeID)
	require.Equal(t, "o-1", st.OfficeUUID)
	require.Empty(t, st.Phone)

	reqs := g.all()
	require.Len(t, reqs, 3)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(reqs[2].Body), &body))
	require.EqualValues(t, 11, body["office_id"])
	require.EqualValues(t, 12, body["level_id"])
}

func TestClient_ListStudentsResolvesEmbeddedParents(t *testing.T) {
	_, c := newGateway(t, func(r *http.Request) (int, string) {
		return http.StatusOK, `[{"id":5,"uuid":"s-1","name":"Ana","office_id":11,"level_id":12,` +
			`"birth_date":"2015-04-02","office":{"uuid":"o-1"},"level":{"uuid":"l-1"}}]`
	})
	rows, err := c.ListStudents(context.Background(), remote.Active)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "o-1", rows[0].OfficeUUID)
	require.Equal(t, "l-1", rows[0].LevelUUID)
	require.Equal(t, "2015-04-02", rows[0].BirthDate)
}

func TestClient_Attendance(t *testing.T) {
	g, c := newGateway(t, func(r *http.Request) (int, string) {
		switch {
		case r.Method == http.MethodGet:
			return http.StatusOK, `[{"id":1,"uuid":"a-1","date":"2025-03-01","office_uuid":"o-1","level_uuid":"l-1",` +
				`"created_at":"2025-03-01T09:00:00Z","updated_at":"2025-03-01T09:00:00Z",` +
				`"student_attendances":[{"student_uuid":"s-1","status":"present"}]}]`
		case r.Method == http.MethodPatch:
			return http.StatusOK, `[{"id":1,"uuid":"a-1"}]`
		}
		return http.StatusNoContent, ``
	})
	ctx := context.Background()

	rows, err := c.ListAttendance(ctx, remote.Active)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Students, 1)
	require.Equal(t, "present", rows[0].Students[0].Status)

	ok, err := c.UpdateAttendance(ctx, remote.AttendanceRow{
		UUID: "a-1", Date: "2025-03-01", OfficeUUID: "o-1", LevelUUID: "l-1",
		Students: []remote.StudentAttendanceRow{{StudentUUID: "s-1", Status: "absent"}},
	})
	require.NoError(t, err)
	require.True(t, ok)

	reqs := g.all()[1:]
	require.Len(t, reqs, 3)
	require.Equal(t, http.MethodPatch, reqs[0].Method)
	require.Equal(t, http.MethodDelete, reqs[1].Method)
	require.Equal(t, "/rest/v1/student_attendances", reqs[1].Path)
	require.Contains(t, reqs[1].Query, "attendance_record_uuid=eq.a-1")
	require.Equal(t, http.MethodPost, reqs[2].Method)
	require.Contains(t, reqs[2].Body, `"status":"absent"`)
	require.Contains(t, reqs[2].Body, `"attendance_record_uuid":"a-1"`)
}

func TestClient_SoftDelete(t *testing.T) {
	g, c := newGateway(t, func(r *http.Request) (int, string) { return http.StatusNoContent, `` })
	ts := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.SoftDelete(context.Background(), remote.TableStudents, "s-1", ts))
	req := g.all()[0]
	require.Equal(t, http.MethodPatch, req.Method)
	require.Contains(t, req.Body, `"deleted_at":"2025-03-02T00:00:00Z"`)

	require.Error(t, c.SoftDelete(context.Background(), remote.TableStudentAttendances, "x", ts))
}
