// Package scheduler runs the orchestrator's periodic maintenance jobs (e.g.
// sweeping abandoned workflow sessions) and tracks their outcomes so the
// facade's /health endpoint can surface whether they're actually running.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a periodic maintenance task. Run reports how many records it acted
// on (e.g. sessions abandoned) so callers can distinguish "ran and found
// nothing to do" from "hasn't run yet" without inspecting logs.
type Job interface {
	Name() string
	Run(ctx context.Context) (affected int, err error)
}

// JobStatus is a point-in-time snapshot of a scheduled job's last run,
// exposed via Scheduler.Status for health reporting.
type JobStatus struct {
	Name         string    `json:"name"`
	Interval     string    `json:"interval"`
	RunCount     int       `json:"run_count"`
	LastRunAt    time.Time `json:"last_run_at,omitempty"`
	LastAffected int       `json:"last_affected"`
	LastError    string    `json:"last_error,omitempty"`
}

// Scheduler runs jobs on a periodic basis and remembers their last outcome.
type Scheduler struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs []*scheduledJob
}

type scheduledJob struct {
	job      Job
	interval time.Duration
	ticker   *time.Ticker
	stop     chan struct{}

	mu     sync.Mutex
	status JobStatus
}

// NewScheduler creates a new scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		jobs:   make([]*scheduledJob, 0),
	}
}

// AddJob adds a job to run at the specified interval.
func (s *Scheduler) AddJob(job Job, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &scheduledJob{
		job:      job,
		interval: interval,
		stop:     make(chan struct{}),
		status:   JobStatus{Name: job.Name(), Interval: interval.String()},
	})
}

// Start begins running all scheduled jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]*scheduledJob(nil), s.jobs...)
	s.mu.Unlock()

	for _, sj := range jobs {
		sj.ticker = time.NewTicker(sj.interval)

		go func(sj *scheduledJob) {
			s.logger.Info("starting scheduled job",
				"job", sj.job.Name(),
				"interval", sj.interval)

			for {
				select {
				case <-sj.ticker.C:
					s.runOnce(ctx, sj)
				case <-sj.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}(sj)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, sj *scheduledJob) {
	s.logger.Debug("running scheduled job", "job", sj.job.Name())
	affected, err := sj.job.Run(ctx)

	sj.mu.Lock()
	sj.status.RunCount++
	sj.status.LastRunAt = time.Now()
	sj.status.LastAffected = affected
	if err != nil {
		sj.status.LastError = err.Error()
	} else {
		sj.status.LastError = ""
	}
	sj.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "job", sj.job.Name(), "error", err)
		return
	}
	if affected > 0 {
		s.logger.Info("scheduled job completed", "job", sj.job.Name(), "affected", affected)
	}
}

// Stop halts all scheduled jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sj := range s.jobs {
		if sj.ticker != nil {
			sj.ticker.Stop()
		}
		close(sj.stop)
	}
	s.logger.Info("scheduler stopped")
}

// Status returns a snapshot of every registered job's last outcome, in
// registration order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := append([]*scheduledJob(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobStatus, len(jobs))
	for i, sj := range jobs {
		sj.mu.Lock()
		out[i] = sj.status
		sj.mu.Unlock()
	}
	return out
}
