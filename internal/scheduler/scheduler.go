// Package scheduler runs the background jobs: nightly recommendation
// generation, the rollback-monitor tick, approval expiry, database
// maintenance and the off-site backup.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a schedulable unit of background work.
type Job interface {
	Name() string
	Run() error
}

// Scheduler wraps the cron runner with logging and overlap protection.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
	jobs []Job
}

// New creates a scheduler. Jobs run in the server's local time zone.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Register schedules a job on a cron spec ("0 2 * * *", "@every 300s").
// A slow run skips overlapping fires instead of stacking them.
func (s *Scheduler) Register(spec string, job Job) error {
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(s.runner(job))
	if _, err := s.cron.AddJob(spec, wrapped); err != nil {
		return err
	}
	s.jobs = append(s.jobs, job)
	s.log.Info().Str("job", job.Name()).Str("spec", spec).Msg("Job registered")
	return nil
}

func (s *Scheduler) runner(job Job) cron.Job {
	return cron.FuncJob(func() {
		started := time.Now()
		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Dur("duration_ms", time.Since(started)).
				Msg("Job failed")
			return
		}
		s.log.Info().
			Str("job", job.Name()).
			Dur("duration_ms", time.Since(started)).
			Msg("Job completed")
	})
}

// Start begins running scheduled jobs in their own goroutines.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}
