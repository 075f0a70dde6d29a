package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFacilityRecordValidate(t *testing.T) {
	tests := []struct {
		name     string
		facility FacilityRecord
		wantErr  bool
		field    string
	}{
		{
			name:     "valid facility",
			facility: FacilityRecord{ID: 4, Name: "学生協", SubName: "19号館1階", MaxCapacity: 44, CurrentCount: 1},
		},
		{
			name:     "over capacity is still valid",
			facility: FacilityRecord{ID: 1, Name: "Library", SubName: "1F", MaxCapacity: 10, CurrentCount: 25},
		},
		{
			name:     "empty name",
			facility: FacilityRecord{ID: 1, SubName: "1F"},
			wantErr:  true,
			field:    "name",
		},
		{
			name:     "empty sub name",
			facility: FacilityRecord{ID: 1, Name: "Library"},
			wantErr:  true,
			field:    "sub_name",
		},
		{
			name:     "name too long",
			facility: FacilityRecord{ID: 1, Name: strings.Repeat("a", 51), SubName: "1F"},
			wantErr:  true,
			field:    "name",
		},
		{
			name:     "fifty multibyte characters fit",
			facility: FacilityRecord{ID: 1, Name: strings.Repeat("館", 50), SubName: "1F"},
		},
		{
			name:     "negative capacity",
			facility: FacilityRecord{ID: 1, Name: "Library", SubName: "1F", MaxCapacity: -1},
			wantErr:  true,
			field:    "max_capacity",
		},
		{
			name:     "negative count",
			facility: FacilityRecord{ID: 1, Name: "Library", SubName: "1F", CurrentCount: -3},
			wantErr:  true,
			field:    "current_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.facility.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("FacilityRecord.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected error to match ErrInvalidInput, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("expected field %q, got %v", tt.field, err)
			}
		})
	}
}

func TestFacilityUpdateBecameOverCapacity(t *testing.T) {
	within := FacilityRecord{MaxCapacity: 10, CurrentCount: 10}
	over := FacilityRecord{MaxCapacity: 10, CurrentCount: 11}

	if !(FacilityUpdate{Before: within, After: over}).BecameOverCapacity() {
		t.Error("expected crossing into over-capacity to be detected")
	}
	if (FacilityUpdate{Before: over, After: over}).BecameOverCapacity() {
		t.Error("staying over capacity must not count as a new crossing")
	}
	if (FacilityUpdate{Before: over, After: within}).BecameOverCapacity() {
		t.Error("dropping below capacity must not count as a crossing")
	}
}

func TestReadingValidate(t *testing.T) {
	ok := Reading{FacilityID: 1, MaxValue: 10, CurrentValue: 3}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	bad := Reading{FacilityID: 1, MaxValue: 10, CurrentValue: -1}
	if err := bad.Validate(); err == nil {
		t.Error("expected negative current value to fail")
	}
}

func TestWeekdayOf(t *testing.T) {
	// 2026-10-19 is a Monday.
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	want := []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}
	for i, w := range want {
		day := base.AddDate(0, 0, i)
		if got := WeekdayOf(day); got != w {
			t.Errorf("WeekdayOf(%s) = %v, expected %v", day.Format("2006-01-02"), got, w)
		}
		if got := WeekdayOf(day).String(); got != day.Weekday().String() {
			t.Errorf("String() = %s, expected %s", got, day.Weekday())
		}
	}
}

func TestWeekdayUsesLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	// Sunday 20:00 UTC is already Monday in Tokyo.
	ts := time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)
	if got := WeekdayOf(ts); got != Sunday {
		t.Errorf("expected Sunday in UTC, got %v", got)
	}
	if got := WeekdayOf(ts.In(tokyo)); got != Monday {
		t.Errorf("expected Monday in JST, got %v", got)
	}
}
