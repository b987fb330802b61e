// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrInvalidInput marks input that fails field validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicate marks a natural-key collision with an active row.
	ErrDuplicate = errors.New("duplicate")
	// ErrDuplicateAttendance is returned when a session already exists for the date, office and level.
	ErrDuplicateAttendance = fmt.Errorf("%w: attendance already recorded for this date, office and level", ErrDuplicate)
	// ErrNotFound is returned when a row does not exist or is soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrReferenced is returned when a row cannot be removed because other rows point at it.
	ErrReferenced = errors.New("row is still referenced")
)

// ValidationError is returned synchronously by repository mutations. It is
// never retried; the caller has to correct the input.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func duplicateError(field, message string) error {
	return &ValidationError{Field: field, Message: message, Err: ErrDuplicate}
}

func invalidError(field, message string) error {
	return &ValidationError{Field: field, Message: message, Err: ErrInvalidInput}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// fromValidator converts the first validator failure into a ValidationError.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return invalidError(fe.Field(), fmt.Sprintf("failed %q validation", fe.Tag()))
	}
	return invalidError("", err.Error())
}

func isUniqueConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
