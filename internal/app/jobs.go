package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-warehouse/internal/jobs"
	"github.com/dvloznov/finance-warehouse/internal/jobs/inmemory"
	"github.com/dvloznov/finance-warehouse/internal/scheduler"
)

// Jobs is the background side of a long-running process: the load queue,
// its job store and the optional schedule feeding it.
type Jobs struct {
	Queue *inmemory.Queue
	Store *inmemory.Store

	scheduler *scheduler.Scheduler
	done      chan error
}

// NewJobs builds the queue configured under jobs.* and, when
// schedule.interval is set, a scheduler publishing to it.
func (a *App) NewJobs() (*Jobs, error) {
	cfg := a.Config
	store := inmemory.NewStore()
	queue := inmemory.NewQueue(cfg.Jobs.QueueSize, store,
		inmemory.WithWorkers(cfg.Jobs.Workers),
		inmemory.WithMaxRetries(cfg.Jobs.MaxRetries),
	)

	j := &Jobs{Queue: queue, Store: store}
	if cfg.Schedule.Interval > 0 {
		s, err := scheduler.New(queue, cfg.Schedule.Interval, scheduler.WithWaitForSchedule())
		if err != nil {
			queue.Close()
			return nil, fmt.Errorf("NewJobs: %w", err)
		}
		j.scheduler = s
	}
	return j, nil
}

// Start launches the queue workers with the runner's handler, and the
// scheduler if one is configured. Both stop when ctx is done.
func (j *Jobs) Start(ctx context.Context, handler jobs.JobHandler) error {
	if err := j.Queue.Start(ctx, handler); err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	if j.scheduler == nil {
		return nil
	}

	j.done = make(chan error, 1)
	go func() {
		j.done <- j.scheduler.Run(ctx)
	}()
	return nil
}

// Shutdown waits for the scheduler to return and for in-flight jobs to
// finish, bounded by timeout. ctx passed to Start must already be done.
func (j *Jobs) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var schedErr error
	if j.done != nil {
		select {
		case schedErr = <-j.done:
		case <-ctx.Done():
			schedErr = ctx.Err()
		}
	}

	if err := j.Queue.Stop(ctx); err != nil {
		return fmt.Errorf("Shutdown: %w", err)
	}
	if err := j.Queue.Close(); err != nil {
		return fmt.Errorf("Shutdown: %w", err)
	}
	if schedErr != nil {
		return fmt.Errorf("Shutdown: scheduler: %w", schedErr)
	}
	return nil
}
