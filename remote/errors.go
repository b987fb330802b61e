// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the sync engine distinguishes.
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
)

// ErrParentNotFound is returned when a student references an office or
// level the backend does not know yet.
var ErrParentNotFound = errors.New("referenced parent row not found remotely")

// Error is a backend failure carrying its SQLSTATE-style code.
type Error struct {
	Code    string
	Message string
	Status  int // HTTP status for gateway backends, 0 otherwise
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote error %s (http %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// Code extracts the SQLSTATE code from err, or "" if there is none.
func Code(err error) string {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Code
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.SQLState()
	}
	return ""
}

// IsUniqueViolation reports whether err is a 23505 unique violation.
func IsUniqueViolation(err error) bool {
	return Code(err) == CodeUniqueViolation
}
