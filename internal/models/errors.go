package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by the stores, the coordinator and the HTTP boundary.
// Absence of profile data is not an error; empty facilities are omitted instead.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidInput       = errors.New("invalid input")
	ErrFacilityNotFound   = errors.New("facility not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError describes a single field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrInvalidInput) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}
