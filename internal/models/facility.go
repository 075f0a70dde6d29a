// Package models defines the core domain entities for crowdwatch.
// These models represent tracked facilities, historical occupancy readings, and the
// derived weekly profile. All stored models include built-in validation.
//
// Terminology:
//   - Facility: a physical location whose occupancy ("crowd level") is tracked.
//   - Snapshot: the current, single, authoritative occupancy of every facility.
//   - Reading: one historical occupancy observation for a facility.
package models

import (
	"fmt"
	"unicode/utf8"
)

// MaxNameLength bounds both Name and SubName, counted in characters.
const MaxNameLength = 50

// FacilityRecord is the current occupancy record of one facility.
// The set of records is provisioned once; only MaxCapacity and CurrentCount change at runtime.
type FacilityRecord struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	SubName      string `json:"sub_name"`     // Location qualifier, e.g. building and floor
	MaxCapacity  int    `json:"max_capacity"` // Reported by the reporter, may change over time
	CurrentCount int    `json:"current_count"`
}

// OverCapacity reports whether the facility currently holds more people than its capacity.
// Over-capacity is a valid reading, not an error.
func (f FacilityRecord) OverCapacity() bool {
	return f.CurrentCount > f.MaxCapacity
}

// Validate checks that all facility fields are valid.
func (f *FacilityRecord) Validate() error {
	if err := validateName("name", f.Name); err != nil {
		return err
	}
	if err := validateName("sub_name", f.SubName); err != nil {
		return err
	}
	return ValidateCounts(f.MaxCapacity, f.CurrentCount)
}

// ValidateCounts checks the two mutable occupancy fields.
func ValidateCounts(maxCapacity, currentCount int) error {
	if maxCapacity < 0 {
		return &ValidationError{Field: "max_capacity", Message: "must not be negative"}
	}
	if currentCount < 0 {
		return &ValidationError{Field: "current_count", Message: "must not be negative"}
	}
	return nil
}

func validateName(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(value); n > MaxNameLength {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters, got %d", MaxNameLength, n)}
	}
	return nil
}

// FacilityUpdate is the before/after pair produced by one snapshot update.
type FacilityUpdate struct {
	Before FacilityRecord
	After  FacilityRecord
}

// BecameOverCapacity reports whether the update crossed from within capacity to over it.
func (u FacilityUpdate) BecameOverCapacity() bool {
	return !u.Before.OverCapacity() && u.After.OverCapacity()
}
