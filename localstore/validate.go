// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

func validateStruct(v any) error {
	if err := validatorInstance().Struct(v); err != nil {
		return fromValidator(err)
	}
	return nil
}

// ValidatePayload checks that a payload is a complete snapshot. Collapsed
// UPDATE entries replace each other, so partial payloads would lose fields.
func ValidatePayload(p Payload) error {
	return validateStruct(p)
}
