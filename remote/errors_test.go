// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(&Error{Code: CodeUniqueViolation}))
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &Error{Code: "23505", Status: 409})))
	require.True(t, IsUniqueViolation(fmt.Errorf("tx: %w", &pgconn.PgError{Code: "23505"})))

	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: CodeForeignKeyViolation}))
	require.False(t, IsUniqueViolation(errors.New("connection refused")))
	require.False(t, IsUniqueViolation(nil))
}

func TestErrorMessage(t *testing.T) {
	require.Equal(t, "remote error 23505: duplicate key", (&Error{Code: "23505", Message: "duplicate key"}).Error())
	require.Equal(t, "remote error PGRST116 (http 406): no rows",
		(&Error{Code: "PGRST116", Message: "no rows", Status: 406}).Error())
}

func TestValidateTables(t *testing.T) {
	require.NoError(t, ValidateCatalogTable(TableOffices))
	require.Error(t, ValidateCatalogTable(TableStudents))
	require.NoError(t, ValidateSoftDeleteTable(TableAttendance))
	require.Error(t, ValidateSoftDeleteTable(TableStudentAttendances))
}
