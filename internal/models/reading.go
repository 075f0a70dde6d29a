package models

import (
	"errors"
	"time"
)

// Reading is one immutable occupancy observation appended to the time-series log.
// It is only created after the matching snapshot update succeeded.
type Reading struct {
	ID           int64     `json:"id"`
	FacilityID   int       `json:"facility_id"`
	MaxValue     int       `json:"max_value"`
	CurrentValue int       `json:"current_value"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the reading before it is appended.
// A zero CreatedAt is allowed and means "assign at insertion time".
func (r *Reading) Validate() error {
	if r.MaxValue < 0 {
		return errors.New("max value must not be negative")
	}
	if r.CurrentValue < 0 {
		return errors.New("current value must not be negative")
	}
	return nil
}
