package reporter

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rewired-gh/crowdwatch/internal/logger"
)

// Sender posts one reading.
type Sender interface {
	Send(ctx context.Context, p Payload) (Ack, error)
}

// Job describes the facility a reporter host is responsible for.
type Job struct {
	FacilityID  int
	Name        string
	SubName     string
	MaxCapacity int
	CountFile   string
	Timeout     time.Duration
}

// Scheduler periodically reads the sensor count and pushes it.
type Scheduler struct {
	scheduler *gocron.Scheduler
	sender    Sender
	job       Job
	interval  time.Duration
}

// NewScheduler creates a new Scheduler.
func NewScheduler(sender Sender, job Job, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if job.Timeout <= 0 {
		job.Timeout = 30 * time.Second
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		sender:    sender,
		job:       job,
		interval:  interval,
	}
}

// Start schedules the push job, runs it once immediately and starts the scheduler.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Every(s.interval).Do(s.RunOnce)
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	return nil
}

// RunOnce reads the count file and sends one reading. Failures are logged.
func (s *Scheduler) RunOnce() {
	count, err := ReadCount(s.job.CountFile)
	if err != nil {
		logger.Error("Skipping report for facility %d: %v", s.job.FacilityID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.job.Timeout)
	defer cancel()

	ack, err := s.sender.Send(ctx, Payload{
		ID:           s.job.FacilityID,
		Name:         s.job.Name,
		SubName:      s.job.SubName,
		MaxCapacity:  s.job.MaxCapacity,
		CurrentCount: count,
	})
	if err != nil {
		logger.Error("Report for facility %d failed: %v", s.job.FacilityID, err)
		return
	}
	logger.Info("Reported facility %d: %d/%d (submission %s)", s.job.FacilityID, count, s.job.MaxCapacity, ack.SubmissionID)
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
