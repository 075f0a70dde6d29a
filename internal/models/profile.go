package models

import (
	"fmt"
	"time"
)

// Weekday numbers days Monday=0 through Sunday=6.
// It is the only weekday convention used across the code base; anything coming from
// time.Weekday or a storage engine is converted at the boundary.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// WeekdayOf returns the weekday of t in t's own location.
func WeekdayOf(t time.Time) Weekday {
	return WeekdayFromSunday0(int(t.Weekday()))
}

// WeekdayFromSunday0 converts a Sunday=0..Saturday=6 number, as used by time.Weekday and
// SQLite's strftime('%w'), into a Weekday.
func WeekdayFromSunday0(n int) Weekday {
	return Weekday((n + 6) % 7)
}

// String returns the English day name.
func (w Weekday) String() string {
	if w < Monday || w > Sunday {
		return fmt.Sprintf("Weekday(%d)", int(w))
	}
	return time.Weekday((int(w) + 1) % 7).String()
}

// TimeBlock is the average occupancy attributed to one sub-interval of a day.
type TimeBlock struct {
	Label   string  `json:"time_block"` // "HH:MM"
	Average float64 `json:"average_current_value"`
}

// WeeklyProfile is the derived, non-persisted typical-day view of one facility.
// Blocks are ordered by Label ascending.
type WeeklyProfile struct {
	FacilityID int         `json:"id"`
	TimeBlocks []TimeBlock `json:"time_blocks"`
}
