// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-attendsync/connectivity"
	"github.com/mobiletoly/go-attendsync/localstore"
	"github.com/mobiletoly/go-attendsync/remote"
	"github.com/mobiletoly/go-attendsync/remote/remotetest"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// device is one local store with its repositories and engine, talking to a
// possibly shared remote.
type device struct {
	store      *localstore.Store
	offices    *localstore.CatalogRepo
	levels     *localstore.CatalogRepo
	students   *localstore.StudentRepo
	attendance *localstore.AttendanceRepo
	net        *connectivity.Switch
	engine     *Engine
}

func newDevice(t *testing.T, rem remote.Store) *device {
	t.Helper()
	clock := &stepClock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
	store, err := localstore.Open(context.Background(), ":memory:", localstore.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	net := connectivity.NewSwitch(true)
	engine, err := New(store, rem, net, nil, nil)
	require.NoError(t, err)
	return &device{
		store:      store,
		offices:    localstore.NewOffices(store),
		levels:     localstore.NewLevels(store),
		students:   localstore.NewStudents(store),
		attendance: localstore.NewAttendance(store),
		net:        net,
		engine:     engine,
	}
}

func (d *device) pending(t *testing.T) int {
	t.Helper()
	n, err := d.engine.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}

func (d *device) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, d.store.DB().QueryRow(query, args...).Scan(&n))
	return n
}

func (d *device) office(t *testing.T, name string) localstore.CatalogItem {
	t.Helper()
	item, err := d.offices.Insert(context.Background(), localstore.CatalogInput{Name: name})
	require.NoError(t, err)
	return item
}

func (d *device) level(t *testing.T, name string) localstore.CatalogItem {
	t.Helper()
	item, err := d.levels.Insert(context.Background(), localstore.CatalogInput{Name: name})
	require.NoError(t, err)
	return item
}

func TestSyncEntity_CenterAScenario(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)

	office := d.office(t, "Center-A")
	require.Equal(t, 1, d.pending(t))

	res := d.engine.SyncEntity(ctx, localstore.KindOffices)
	require.True(t, res.Success, res.Message)
	require.Zero(t, res.FailedCount)

	remoteRows := rem.Catalog(remote.TableOffices)
	require.Len(t, remoteRows, 1)
	require.Equal(t, office.UUID, remoteRows[0].UUID)

	local, err := d.offices.GetByUUID(ctx, office.UUID)
	require.NoError(t, err)
	require.Equal(t, localstore.StateSynced, local.SyncState)
	require.NotNil(t, local.RemoteID)
	require.Equal(t, remoteRows[0].ID, *local.RemoteID)
	require.Zero(t, d.pending(t))

	// Levels were not touched
	require.Zero(t, rem.Calls(remote.TableLevels, "list"))
}

func TestSyncAll_TwoDevicesCreateSameOffice(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	a := newDevice(t, rem)
	b := newDevice(t, rem)

	northA := a.office(t, "North")
	northB := b.office(t, "North")
	require.NotEqual(t, northA.UUID, northB.UUID)

	resA := a.engine.SyncAll(ctx)
	require.True(t, resA.Success, resA.Message)

	resB := b.engine.SyncAll(ctx)
	require.True(t, resB.Success, resB.Message)
	require.Zero(t, b.pending(t))

	gone, err := b.offices.FindByUUID(ctx, northB.UUID)
	require.NoError(t, err)
	require.Nil(t, gone)

	list, err := b.offices.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, northA.UUID, list[0].UUID)
	require.Equal(t, localstore.StateSynced, list[0].SyncState)
	require.Equal(t, 1, resB.Downloaded[localstore.KindOffices.String()].Inserted)

	require.Len(t, rem.Catalog(remote.TableOffices), 1)
}

func TestDownload_RemoteOfficeWithLocallyHeldNameIsSkipped(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	a := newDevice(t, rem)
	b := newDevice(t, rem)

	northA := a.office(t, "North")
	require.True(t, a.engine.SyncAll(ctx).Success)

	northB := b.office(t, "North")
	rem.FailOn(remote.TableOffices, "insert", errors.New("boom"))
	res := b.engine.SyncAll(ctx)
	require.False(t, res.Success)
	require.Equal(t, 1, res.FailedCount)
	require.Equal(t, 1, res.Downloaded["offices"].Skipped)
	require.Zero(t, res.Downloaded["offices"].Inserted)

	// Only the unsent local office holds the name
	list, err := b.offices.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, northB.UUID, list[0].UUID)
	require.Equal(t, localstore.StatePendingInsert, list[0].SyncState)

	rem.FailOn(remote.TableOffices, "insert", nil)
	res = b.engine.SyncAll(ctx)
	require.True(t, res.Success, res.Message)
	require.Zero(t, b.pending(t))

	list, err = b.offices.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, northA.UUID, list[0].UUID)
	require.Equal(t, localstore.StateSynced, list[0].SyncState)
	require.Len(t, rem.Catalog(remote.TableOffices), 1)
}

func TestDownload_RemoteStudentWithLocallyHeldKeyIsSkipped(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)
	office := d.office(t, "Center-A")
	level := d.level(t, "Level 1")
	require.True(t, d.engine.SyncAll(ctx).Success)

	local, err := d.students.Insert(ctx, localstore.StudentInput{Name: "Sara", OfficeUUID: office.UUID, LevelUUID: level.UUID})
	require.NoError(t, err)
	_, err = rem.SeedStudent(remote.StudentRow{Name: "Sara", OfficeUUID: office.UUID, LevelUUID: level.UUID})
	require.NoError(t, err)
	rem.FailOn(remote.TableStudents, "insert", errors.New("boom"))

	res := d.engine.SyncAll(ctx)
	require.Equal(t, 1, res.FailedCount)
	require.Equal(t, 1, res.Downloaded["students"].Skipped)

	list, err := d.students.ListByOfficeLevel(ctx, office.UUID, level.UUID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, local.UUID, list[0].UUID)
}

func TestSyncAll_InsertReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)

	office := d.office(t, "Center-A")
	// The remote applied the INSERT but the device crashed before learning it
	rem.SeedCatalog(remote.TableOffices, remote.CatalogRow{
		UUID: office.UUID, Name: office.Name, CreatedAt: office.CreatedAt, UpdatedAt: office.UpdatedAt,
	})

	res := d.engine.SyncAll(ctx)
	require.True(t, res.Success, res.Message)
	require.Len(t, rem.Catalog(remote.TableOffices), 1)
	require.Equal(t, 1, d.count(t, `SELECT COUNT(*) FROM offices WHERE uuid = ?`, office.UUID))
	require.Equal(t, 1, d.count(t, `SELECT COUNT(*) FROM offices`))
	require.Zero(t, d.pending(t))

	// Redelivering the same entry once more changes nothing
	_, err := localstore.NewOutbox(d.store).Enqueue(ctx, localstore.OutboxEntry{
		Kind: localstore.KindOffices, EntityUUID: office.UUID, Op: localstore.OpInsert,
		Payload: localstore.CatalogPayload{UUID: office.UUID, Name: office.Name, CreatedAt: office.CreatedAt, UpdatedAt: office.UpdatedAt},
	})
	require.NoError(t, err)
	res = d.engine.SyncAll(ctx)
	require.True(t, res.Success, res.Message)
	require.Len(t, rem.Catalog(remote.TableOffices), 1)
	require.Equal(t, 1, d.count(t, `SELECT COUNT(*) FROM offices`))
	require.Zero(t, d.pending(t))
}

func TestSyncAll_LatestUpdateWins(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)

	office := d.office(t, "A")
	_, err := d.offices.Update(ctx, office.LocalID, localstore.CatalogInput{Name: "B"})
	require.NoError(t, err)
	_, err = d.offices.Update(ctx, office.LocalID, localstore.CatalogInput{Name: "C"})
	require.NoError(t, err)
	// INSERT plus one collapsed UPDATE
	require.Equal(t, 2, d.pending(t))

	res := d.engine.SyncAll(ctx)
	require.True(t, res.Success, res.Message)

	rows := rem.Catalog(remote.TableOffices)
	require.Len(t, rows, 1)
	require.Equal(t, "C", rows[0].Name)

	local, err := d.offices.Get(ctx, office.LocalID)
	require.NoError(t, err)
	require.Equal(t, "C", local.Name)
	require.Equal(t, localstore.StateSynced, local.SyncState)
	require.Zero(t, d.pending(t))
}

func TestDownload_ConflictRule(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)

	pending := d.office(t, "Pending")
	synced := d.office(t, "Synced")
	same := d.office(t, "Same")
	require.True(t, d.engine.SyncAll(ctx).Success)

	_, err := d.offices.Update(ctx, pending.LocalID, localstore.CatalogInput{Name: "Pending local"})
	require.NoError(t, err)

	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, rem.EditCatalog(remote.TableOffices, pending.UUID, "Pending remote", future))
	require.True(t, rem.EditCatalog(remote.TableOffices, synced.UUID, "Synced remote", future))

	sameLocal, err := d.offices.Get(ctx, same.LocalID)
	require.NoError(t, err)
	require.True(t, rem.EditCatalog(remote.TableOffices, same.UUID, "Same remote", sameLocal.LastModified()))

	// Keep the local edit from being uploaded so only download runs against it
	rem.FailOn(remote.TableOffices, "update", errors.New("gateway timeout"))
	res := d.engine.SyncEntity(ctx, localstore.KindOffices)
	require.False(t, res.Success)
	require.Equal(t, 1, res.FailedCount)

	got, err := d.offices.Get(ctx, pending.LocalID)
	require.NoError(t, err)
	require.Equal(t, "Pending local", got.Name)
	require.Equal(t, localstore.StatePendingUpdate, got.SyncState)

	got, err = d.offices.Get(ctx, synced.LocalID)
	require.NoError(t, err)
	require.Equal(t, "Synced remote", got.Name)
	require.True(t, got.UpdatedAt.Equal(future))

	got, err = d.offices.Get(ctx, same.LocalID)
	require.NoError(t, err)
	require.Equal(t, "Same", got.Name, "equal timestamps must not overwrite")

	// The failed entry is still queued with its failure recorded
	entries, err := localstore.NewOutbox(d.store).ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].RetryCount)
	require.Contains(t, entries[0].LastError, "gateway timeout")
}

func TestSyncAll_Disconnected(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)
	d.office(t, "Center-A")
	d.net.Set(false)

	res := d.engine.SyncAll(ctx)
	require.False(t, res.Success)
	require.Equal(t, MessageOffline, res.Message)
	require.Zero(t, rem.Calls(remote.TableOffices, "insert"))
	require.Equal(t, 1, d.pending(t))

	d.net.Set(true)
	require.True(t, d.engine.SyncAll(ctx).Success)
	require.Zero(t, d.pending(t))
}

func TestSyncAll_PartialFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)
	d.office(t, "Center-A")
	d.level(t, "Level 1")

	boom := errors.New("boom")
	rem.FailOn(remote.TableLevels, "insert", boom)
	rem.FailOn(remote.TableStudents, "list", boom)

	res := d.engine.SyncAll(ctx)
	require.False(t, res.Success)
	// level upload and students download
	require.Equal(t, 2, res.FailedCount)
	// office upload plus three downloads
	require.Equal(t, 4, res.SyncedCount)
	require.Len(t, rem.Catalog(remote.TableOffices), 1)
	require.Empty(t, rem.Catalog(remote.TableLevels))
	require.Equal(t, 1, d.pending(t))

	rem.FailOn(remote.TableLevels, "insert", nil)
	rem.FailOn(remote.TableStudents, "list", nil)
	res = d.engine.SyncAll(ctx)
	require.True(t, res.Success, res.Message)
	require.Zero(t, d.pending(t))
}

func TestSyncAll_UnknownEntityIsCountedAsFailure(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)
	d.office(t, "Center-A")

	_, err := d.store.DB().Exec(`
		INSERT INTO sync_queue (entity, entity_uuid, operation, payload, timestamp, created_at)
		VALUES ('invoices', ?, 'INSERT', '{}', 1, '2025-03-01T08:00:00.000000000Z')`, uuid.NewString())
	require.NoError(t, err)

	res := d.engine.SyncAll(ctx)
	require.False(t, res.Success)
	require.Equal(t, 1, res.FailedCount)
	require.Len(t, rem.Catalog(remote.TableOffices), 1)
	// The unknown entry stays for inspection
	require.Equal(t, 1, d.pending(t))
}

func TestSyncEntity_UnknownKindIsCountedAsFailure(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	store, err := localstore.Open(ctx, ":memory:",
		localstore.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	// No logger given: the engine logs through the store's logger
	engine, err := New(store, remotetest.New(), nil, nil, nil)
	require.NoError(t, err)

	res := engine.SyncEntity(ctx, localstore.KindUnknown)
	require.False(t, res.Success)
	require.Equal(t, 1, res.FailedCount)
	require.Contains(t, res.Message, "unknown entity")
	require.Contains(t, logs.String(), "Unknown entity requested")
}

func TestSyncAll_UpdateRacingRemoteDeleteIsDropped(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)

	office := d.office(t, "Center-A")
	require.True(t, d.engine.SyncAll(ctx).Success)

	_, err := d.offices.Update(ctx, office.LocalID, localstore.CatalogInput{Name: "Center-B"})
	require.NoError(t, err)
	// Another device removed the office before this update went out
	require.NoError(t, rem.SoftDelete(ctx, remote.TableOffices, office.UUID, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)))

	res := d.engine.SyncAll(ctx)
	require.True(t, res.Success, res.Message)
	require.Zero(t, res.FailedCount)
	require.Zero(t, d.pending(t))
	require.Equal(t, 1, res.Downloaded["offices"].Deleted)

	_, err = d.offices.GetByUUID(ctx, office.UUID)
	require.ErrorIs(t, err, localstore.ErrNotFound)
	tomb, err := d.offices.FindByUUID(ctx, office.UUID)
	require.NoError(t, err)
	require.NotNil(t, tomb)
	require.NotNil(t, tomb.DeletedAt)
	require.Equal(t, localstore.StateSynced, tomb.SyncState)

	rows := rem.Catalog(remote.TableOffices)
	require.Len(t, rows, 1)
	require.Equal(t, "Center-A", rows[0].Name)
}

func TestSyncAll_FullGraphRoundTrip(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	a := newDevice(t, rem)

	office := a.office(t, "Center-A")
	level := a.level(t, "Level 1")
	student, err := a.students.Insert(ctx, localstore.StudentInput{
		Name: "Sara", OfficeUUID: office.UUID, LevelUUID: level.UUID, Phone: "555-0100",
	})
	require.NoError(t, err)
	rec, _, err := a.attendance.Save(ctx, localstore.SaveAttendanceInput{
		Date: "2025-03-01", OfficeUUID: office.UUID, LevelUUID: level.UUID,
		Statuses: []localstore.StudentStatus{{StudentUUID: student.UUID, Status: localstore.StatusPresent}},
	})
	require.NoError(t, err)

	res := a.engine.SyncAll(ctx)
	require.True(t, res.Success, res.Message)
	require.Equal(t, 8, res.SyncedCount)
	require.Zero(t, a.pending(t))

	st, err := a.students.GetByUUID(ctx, student.UUID)
	require.NoError(t, err)
	require.Equal(t, localstore.StateSynced, st.SyncState)
	got, err := a.attendance.Get(ctx, rec.UUID)
	require.NoError(t, err)
	require.Equal(t, localstore.StateSynced, got.SyncState)
	kids, err := a.attendance.Children(ctx, rec.UUID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	require.Equal(t, localstore.StateSynced, kids[0].SyncState)

	// A fresh device pulls the whole graph
	b := newDevice(t, rem)
	res = b.engine.SyncAll(ctx)
	require.True(t, res.Success, res.Message)

	bStudents, err := b.students.ListByOfficeLevel(ctx, office.UUID, level.UUID)
	require.NoError(t, err)
	require.Len(t, bStudents, 1)
	require.Equal(t, "555-0100", bStudents[0].Phone)

	bRec, err := b.attendance.GetByKey(ctx, "2025-03-01", office.UUID, level.UUID)
	require.NoError(t, err)
	require.NotNil(t, bRec)
	require.Equal(t, rec.UUID, bRec.UUID)
	bKids, err := b.attendance.Children(ctx, rec.UUID)
	require.NoError(t, err)
	require.Len(t, bKids, 1)
	require.Equal(t, localstore.StatusPresent, bKids[0].Status)
}

func TestSyncAll_AttendanceUpdatesAndDeletes(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)

	office := d.office(t, "Center-A")
	level := d.level(t, "Level 1")
	student, err := d.students.Insert(ctx, localstore.StudentInput{Name: "Sara", OfficeUUID: office.UUID, LevelUUID: level.UUID})
	require.NoError(t, err)
	in := localstore.SaveAttendanceInput{
		Date: "2025-03-01", OfficeUUID: office.UUID, LevelUUID: level.UUID,
		Statuses: []localstore.StudentStatus{{StudentUUID: student.UUID, Status: localstore.StatusPresent}},
	}
	rec, _, err := d.attendance.Save(ctx, in)
	require.NoError(t, err)
	require.True(t, d.engine.SyncAll(ctx).Success)

	// Two uncollapsed updates; the last one must win remotely
	in.ExistingUUID = rec.UUID
	in.Statuses[0].Status = localstore.StatusAbsent
	_, _, err = d.attendance.Save(ctx, in)
	require.NoError(t, err)
	in.Statuses[0].Status = localstore.StatusExcused
	_, _, err = d.attendance.Save(ctx, in)
	require.NoError(t, err)
	require.Equal(t, 2, d.pending(t))

	require.True(t, d.engine.SyncAll(ctx).Success)
	remoteRecs := rem.Attendance()
	require.Len(t, remoteRecs, 1)
	require.Len(t, remoteRecs[0].Students, 1)
	require.Equal(t, "excused", remoteRecs[0].Students[0].Status)

	require.NoError(t, d.attendance.Delete(ctx, rec.UUID))
	queued, err := localstore.NewOutbox(d.store).ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	deletedAt := queued[0].Timestamp
	require.False(t, deletedAt.IsZero())

	require.True(t, d.engine.SyncAll(ctx).Success)
	remoteRecs = rem.Attendance()
	require.Len(t, remoteRecs, 1)
	require.NotNil(t, remoteRecs[0].DeletedAt)
	// The remote tombstone carries the time of the local delete, not of the sync
	require.True(t, remoteRecs[0].DeletedAt.Equal(deletedAt))
	require.Zero(t, d.count(t, `SELECT COUNT(*) FROM attendance_records`))
}

func TestDownload_RemoteTombstones(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	d := newDevice(t, rem)

	office := d.office(t, "Center-A")
	level := d.level(t, "Level 1")
	student, err := d.students.Insert(ctx, localstore.StudentInput{Name: "Sara", OfficeUUID: office.UUID, LevelUUID: level.UUID})
	require.NoError(t, err)
	rec, _, err := d.attendance.Save(ctx, localstore.SaveAttendanceInput{
		Date: "2025-03-01", OfficeUUID: office.UUID, LevelUUID: level.UUID,
		Statuses: []localstore.StudentStatus{{StudentUUID: student.UUID, Status: localstore.StatusPresent}},
	})
	require.NoError(t, err)
	require.True(t, d.engine.SyncAll(ctx).Success)

	// Another device removed the student and the record
	deletedAt := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, rem.SoftDelete(ctx, remote.TableStudents, student.UUID, deletedAt))
	require.NoError(t, rem.SoftDelete(ctx, remote.TableAttendance, rec.UUID, deletedAt))

	res := d.engine.SyncAll(ctx)
	require.True(t, res.Success, res.Message)
	require.Equal(t, 1, res.Downloaded["students"].Deleted)
	require.Equal(t, 1, res.Downloaded["attendance"].Deleted)

	_, err = d.students.GetByUUID(ctx, student.UUID)
	require.ErrorIs(t, err, localstore.ErrNotFound)
	tomb, err := d.students.FindByUUID(ctx, student.UUID)
	require.NoError(t, err)
	require.NotNil(t, tomb)
	require.Equal(t, localstore.StateSynced, tomb.SyncState)
	require.True(t, tomb.DeletedAt.Equal(deletedAt))

	require.Zero(t, d.count(t, `SELECT COUNT(*) FROM attendance_records`))
	require.Zero(t, d.count(t, `SELECT COUNT(*) FROM student_attendances`))
}

func TestDownload_StudentWithUnknownParentsIsSkipped(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	office := rem.SeedCatalog(remote.TableOffices, remote.CatalogRow{Name: "Center-A"})
	level := rem.SeedCatalog(remote.TableLevels, remote.CatalogRow{Name: "Level 1"})
	_, err := rem.SeedStudent(remote.StudentRow{Name: "Sara", OfficeUUID: office.UUID, LevelUUID: level.UUID})
	require.NoError(t, err)

	d := newDevice(t, rem)
	// Levels never reach this device
	rem.FailOn(remote.TableLevels, "list", errors.New("boom"))

	res := d.engine.SyncAll(ctx)
	require.Equal(t, 1, res.FailedCount)
	require.Equal(t, 1, res.Downloaded["students"].Skipped)
	require.Zero(t, d.count(t, `SELECT COUNT(*) FROM students`))
}

// stubHandler lets engine tests control download behavior directly.
type stubHandler struct {
	kind     localstore.Kind
	download func(ctx context.Context) (DownloadStats, error)
}

func (s stubHandler) Kind() localstore.Kind { return s.kind }

func (s stubHandler) Upload(context.Context, localstore.OutboxEntry) error { return nil }

func (s stubHandler) Download(ctx context.Context) (DownloadStats, error) {
	if s.download == nil {
		return DownloadStats{}, nil
	}
	return s.download(ctx)
}

func TestNew_RequiresEveryKind(t *testing.T) {
	store, err := localstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = New(store, nil, nil, &Config{Handlers: []EntityHandler{stubHandler{kind: localstore.KindOffices}}}, nil)
	require.ErrorContains(t, err, "no handler registered")

	_, err = New(store, nil, nil, &Config{Handlers: []EntityHandler{
		stubHandler{kind: localstore.KindOffices}, stubHandler{kind: localstore.KindOffices},
	}}, nil)
	require.ErrorContains(t, err, "duplicate handler")
}

func TestSyncAll_InProgressGuard(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var timings []StageTiming
	var mu sync.Mutex
	engine, err := New(store, nil, connectivity.Always, &Config{
		Handlers: []EntityHandler{
			stubHandler{kind: localstore.KindOffices, download: func(context.Context) (DownloadStats, error) {
				close(entered)
				<-release
				return DownloadStats{Inserted: 1}, nil
			}},
			stubHandler{kind: localstore.KindLevels},
			stubHandler{kind: localstore.KindStudents},
			stubHandler{kind: localstore.KindAttendance},
		},
		StageMetrics: StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
			mu.Lock()
			defer mu.Unlock()
			timings = append(timings, timing)
		}),
	}, nil)
	require.NoError(t, err)

	done := make(chan Result)
	go func() { done <- engine.SyncAll(ctx) }()
	<-entered
	require.True(t, engine.InProgress())

	second := engine.SyncEntity(ctx, localstore.KindLevels)
	require.False(t, second.Success)
	require.Equal(t, MessageAlreadyRunning, second.Message)

	close(release)
	first := <-done
	require.True(t, first.Success, first.Message)
	require.Equal(t, 4, first.SyncedCount)
	require.False(t, engine.InProgress())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, timings)
	last := timings[len(timings)-1]
	require.Equal(t, MetricsOpSync, last.Operation)
	require.Equal(t, MetricsStageTotal, last.Stage)
}
