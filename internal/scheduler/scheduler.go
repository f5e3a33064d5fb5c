// Package scheduler enqueues load jobs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/dvloznov/finance-warehouse/internal/jobs"
	"github.com/dvloznov/finance-warehouse/internal/logger"
)

// Trigger is recorded on every job the scheduler enqueues.
const Trigger = "schedule"

// Scheduler publishes a load job every interval.
type Scheduler struct {
	publisher       jobs.Publisher
	interval        time.Duration
	waitForSchedule bool
	location        *time.Location
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWaitForSchedule delays the first job by one interval instead of
// enqueuing it at start.
func WithWaitForSchedule() Option {
	return func(s *Scheduler) { s.waitForSchedule = true }
}

// WithLocation sets the time zone of the schedule. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

// New creates a Scheduler. interval must be positive.
func New(publisher jobs.Publisher, interval time.Duration, opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("scheduler.New: interval must be positive, got %s", interval)
	}
	s := &Scheduler{publisher: publisher, interval: interval, location: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run enqueues jobs until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)

	sched := gocron.NewScheduler(s.location)
	sched.SingletonModeAll()
	if s.waitForSchedule {
		sched.WaitForScheduleAll()
	}

	_, err := sched.Every(s.interval).Do(func() {
		job, err := s.Enqueue(ctx)
		if err != nil {
			if !errors.Is(err, jobs.ErrQueueClosed) && ctx.Err() == nil {
				log.Error().Err(err).Msg("Scheduled load could not be enqueued")
			}
			return
		}
		log.Info().Str("job_id", job.JobID).Msg("Scheduled load enqueued")
	})
	if err != nil {
		return fmt.Errorf("Run: schedule job: %w", err)
	}

	log.Info().Dur("interval", s.interval).Msg("Scheduler started")
	sched.StartAsync()

	<-ctx.Done()

	sched.Stop()
	log.Info().Msg("Scheduler stopped")
	return nil
}

// Enqueue publishes one scheduled load job.
func (s *Scheduler) Enqueue(ctx context.Context) (*jobs.LoadJob, error) {
	job := &jobs.LoadJob{Trigger: Trigger}
	if err := s.publisher.PublishLoad(ctx, job); err != nil {
		return nil, fmt.Errorf("Enqueue: %w", err)
	}
	return job, nil
}
