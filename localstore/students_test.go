// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *Store
	offices  *CatalogRepo
	levels   *CatalogRepo
	students *StudentRepo
	office   CatalogItem
	level    CatalogItem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := newTestStore(t)
	f := &fixture{
		store:    store,
		offices:  NewOffices(store),
		levels:   NewLevels(store),
		students: NewStudents(store),
	}
	var err error
	f.office, err = f.offices.Insert(ctx, CatalogInput{Name: "Center-A"})
	require.NoError(t, err)
	f.level, err = f.levels.Insert(ctx, CatalogInput{Name: "Level 1"})
	require.NoError(t, err)
	return f
}

func (f *fixture) student(t *testing.T, name string) Student {
	t.Helper()
	s, err := f.students.Insert(context.Background(), StudentInput{
		Name: name, OfficeUUID: f.office.UUID, LevelUUID: f.level.UUID,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) clearOutbox(t *testing.T) {
	t.Helper()
	_, err := f.store.DB().Exec(`DELETE FROM sync_queue`)
	require.NoError(t, err)
}

func TestStudents_DuplicateKeyLeavesNoOutboxEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.student(t, "Sara")
	f.clearOutbox(t)

	_, err := f.students.Insert(ctx, StudentInput{Name: "Sara", OfficeUUID: f.office.UUID, LevelUUID: f.level.UUID})
	require.ErrorIs(t, err, ErrDuplicate)
	require.True(t, IsValidation(err))
	require.Empty(t, pendingEntries(t, f.store))
}

func TestStudents_SameNameInOtherLevelIsAllowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.student(t, "Sara")

	other, err := f.levels.Insert(ctx, CatalogInput{Name: "Level 2"})
	require.NoError(t, err)
	_, err = f.students.Insert(ctx, StudentInput{Name: "Sara", OfficeUUID: f.office.UUID, LevelUUID: other.UUID})
	require.NoError(t, err)
}

func TestStudents_InsertRequiresActiveParents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.students.Insert(ctx, StudentInput{Name: "Ali", OfficeUUID: uuid.NewString(), LevelUUID: f.level.UUID})
	require.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, f.levels.Delete(ctx, f.level.LocalID))
	_, err = f.students.Insert(ctx, StudentInput{Name: "Ali", OfficeUUID: f.office.UUID, LevelUUID: f.level.UUID})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestStudents_InsertValidatesOptionalFields(t *testing.T) {
	f := newFixture(t)
	_, err := f.students.Insert(context.Background(), StudentInput{
		Name: "Ali", OfficeUUID: f.office.UUID, LevelUUID: f.level.UUID, BirthDate: "31/12/2010",
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestStudents_UpdateAndListByOfficeLevel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.student(t, "Omar")
	f.student(t, "Amal")

	roster, err := f.students.ListByOfficeLevel(ctx, f.office.UUID, f.level.UUID)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	require.Equal(t, "Amal", roster[0].Name)

	updated, err := f.students.Update(ctx, s.LocalID, StudentInput{
		Name: "Omar", OfficeUUID: f.office.UUID, LevelUUID: f.level.UUID, Phone: "555-0100", BirthDate: "2012-05-01",
	})
	require.NoError(t, err)
	require.Equal(t, "555-0100", updated.Phone)
	require.Equal(t, StatePendingUpdate, updated.SyncState)

	got, err := f.students.GetByUUID(ctx, s.UUID)
	require.NoError(t, err)
	require.Equal(t, "2012-05-01", got.BirthDate)

	kind := KindStudents
	entries, err := NewOutbox(f.store).ListPending(ctx, &kind)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, OpUpdate, entries[2].Op)
	require.Equal(t, "555-0100", entries[2].Payload.(StudentPayload).Phone)
}

func TestStudents_DeleteIsSoft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.student(t, "Omar")
	f.clearOutbox(t)

	require.NoError(t, f.students.Delete(ctx, s.LocalID))
	list, err := f.students.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	entries := pendingEntries(t, f.store)
	require.Len(t, entries, 1)
	require.Equal(t, OpDelete, entries[0].Op)
	require.NotNil(t, entries[0].Payload.(StudentPayload).DeletedAt)

	require.ErrorIs(t, f.students.Delete(ctx, s.LocalID), ErrNotFound)
}

func TestStudents_MarkRemoteDeletedRemovesAttendance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.student(t, "Omar")
	other := f.student(t, "Amal")

	rec, _, err := NewAttendance(f.store).Save(ctx, SaveAttendanceInput{
		Date: "2025-03-02", OfficeUUID: f.office.UUID, LevelUUID: f.level.UUID,
		Statuses: []StudentStatus{
			{StudentUUID: s.UUID, Status: StatusPresent},
			{StudentUUID: other.UUID, Status: StatusAbsent},
		},
	})
	require.NoError(t, err)

	changed, err := f.students.MarkRemoteDeleted(ctx, s.UUID, nil, time.Now())
	require.NoError(t, err)
	require.True(t, changed)

	kids, err := NewAttendance(f.store).Children(ctx, rec.UUID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	require.Equal(t, other.UUID, kids[0].StudentUUID)

	tomb, err := f.students.FindByUUID(ctx, s.UUID)
	require.NoError(t, err)
	require.NotNil(t, tomb.DeletedAt)
	require.Equal(t, StateSynced, tomb.SyncState)
}

func TestStudents_DeleteByUUIDCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.student(t, "Omar")

	rec, _, err := NewAttendance(f.store).Save(ctx, SaveAttendanceInput{
		Date: "2025-03-02", OfficeUUID: f.office.UUID, LevelUUID: f.level.UUID,
		Statuses: []StudentStatus{{StudentUUID: s.UUID, Status: StatusExcused}},
	})
	require.NoError(t, err)

	require.NoError(t, f.students.DeleteByUUID(ctx, s.UUID))
	kids, err := NewAttendance(f.store).Children(ctx, rec.UUID)
	require.NoError(t, err)
	require.Empty(t, kids)

	kind := KindStudents
	n, err := NewOutbox(f.store).Count(ctx, &kind)
	require.NoError(t, err)
	require.Zero(t, n)
}
