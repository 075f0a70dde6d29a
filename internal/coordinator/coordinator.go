// Package coordinator orchestrates a single occupancy report.
//
// A submission moves through Received → Validated → SnapshotApplied → Logged →
// Acknowledged. Authorization and validation run before any storage is touched.
// The snapshot is updated first and the reading is appended second, so the log never
// holds a reading for a snapshot update that did not happen. The reverse gap is
// reported as a PartialWriteError and never rolled back.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/crowdwatch/internal/logger"
	"github.com/rewired-gh/crowdwatch/internal/models"
)

// Operation is the metrics label for submissions.
const Operation = "submit_reading"

// Submission outcomes reported to the Recorder.
const (
	OutcomeAcknowledged     = "acknowledged"
	OutcomeUnauthorized     = "unauthorized"
	OutcomeInvalidInput     = "invalid_input"
	OutcomeFacilityNotFound = "facility_not_found"
	OutcomeStorageFailed    = "storage_unavailable"
	OutcomePartialWrite     = "partial_write"
)

// Snapshots is the write side of the durable snapshot store.
type Snapshots interface {
	ApplyUpdate(id, maxCapacity, currentCount int) (models.FacilityUpdate, bool, error)
}

// ReadingLog is the append side of the time-series log.
type ReadingLog interface {
	Append(ctx context.Context, r models.Reading) (models.Reading, error)
}

// Recorder observes submissions.
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	ObserveSubmission(outcome string)
}

// Notifier receives facilities that just went over capacity. It must not block.
type Notifier interface {
	NotifyOverCapacity(update models.FacilityUpdate)
}

// Submission is one inbound reading.
type Submission struct {
	FacilityID   int
	MaxCapacity  int
	CurrentCount int
	Token        string
}

// Result describes an acknowledged submission.
type Result struct {
	SubmissionID uuid.UUID
	Identity     string
	Facility     models.FacilityRecord
	Reading      models.Reading
}

// PartialWriteError means the snapshot durably reflects the submission but the
// reading could not be appended to the log.
type PartialWriteError struct {
	SubmissionID uuid.UUID
	Facility     models.FacilityRecord
	Err          error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("submission %s: snapshot updated for facility %d but reading was not logged: %v",
		e.SubmissionID, e.Facility.ID, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// Options carries optional collaborators.
type Options struct {
	Recorder Recorder
	Notifier Notifier
}

// Coordinator applies submissions to both stores.
type Coordinator struct {
	snapshots Snapshots
	log       ReadingLog
	allow     *AllowList
	recorder  Recorder
	notifier  Notifier
}

// New creates a Coordinator. The allow-list is read-only for the coordinator's lifetime.
func New(snapshots Snapshots, log ReadingLog, allow *AllowList, opts Options) *Coordinator {
	return &Coordinator{
		snapshots: snapshots,
		log:       log,
		allow:     allow,
		recorder:  opts.Recorder,
		notifier:  opts.Notifier,
	}
}

// Authenticate resolves token to an identity name or returns ErrUnauthorized.
func (c *Coordinator) Authenticate(token string) (string, error) {
	name, ok := c.allow.Identify(token)
	if !ok {
		return "", models.ErrUnauthorized
	}
	return name, nil
}

// SubmitReading authorizes, validates and applies one reading.
//
// Errors match models.ErrUnauthorized, models.ErrInvalidInput, models.ErrFacilityNotFound
// or models.ErrStorageUnavailable. A *PartialWriteError also matches
// ErrStorageUnavailable and means the snapshot was updated.
func (c *Coordinator) SubmitReading(ctx context.Context, s Submission) (res Result, err error) {
	begin := time.Now()
	outcome := OutcomeAcknowledged
	defer func() {
		if c.recorder != nil {
			c.recorder.Observe(ctx, Operation, err == nil, time.Since(begin))
			c.recorder.ObserveSubmission(outcome)
		}
	}()

	identity, err := c.Authenticate(s.Token)
	if err != nil {
		outcome = OutcomeUnauthorized
		logger.Warn("Rejected submission for facility %d: unrecognized credential", s.FacilityID)
		return Result{}, err
	}

	if err := models.ValidateCounts(s.MaxCapacity, s.CurrentCount); err != nil {
		outcome = OutcomeInvalidInput
		return Result{}, err
	}

	id := uuid.New()
	update, found, err := c.snapshots.ApplyUpdate(s.FacilityID, s.MaxCapacity, s.CurrentCount)
	if err != nil {
		outcome = OutcomeStorageFailed
		if errors.Is(err, models.ErrInvalidInput) {
			outcome = OutcomeInvalidInput
		}
		logger.Error("Submission %s from %s: snapshot update failed: %v", id, identity, err)
		return Result{}, err
	}
	if !found {
		outcome = OutcomeFacilityNotFound
		logger.Warn("Submission %s from %s: unknown facility %d", id, identity, s.FacilityID)
		return Result{}, fmt.Errorf("%w: %d", models.ErrFacilityNotFound, s.FacilityID)
	}

	reading, err := c.log.Append(ctx, models.Reading{
		FacilityID:   s.FacilityID,
		MaxValue:     s.MaxCapacity,
		CurrentValue: s.CurrentCount,
	})
	if err != nil {
		outcome = OutcomePartialWrite
		if !errors.Is(err, models.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
		}
		logger.Error("Submission %s from %s: partial write, snapshot for facility %d updated but reading not logged: %v",
			id, identity, s.FacilityID, err)
		return Result{}, &PartialWriteError{SubmissionID: id, Facility: update.After, Err: err}
	}

	logger.Debug("Submission %s from %s: facility %d now %d/%d (reading %d)",
		id, identity, s.FacilityID, s.CurrentCount, s.MaxCapacity, reading.ID)

	if c.notifier != nil && update.BecameOverCapacity() {
		c.notifier.NotifyOverCapacity(update)
	}

	return Result{
		SubmissionID: id,
		Identity:     identity,
		Facility:     update.After,
		Reading:      reading,
	}, nil
}
