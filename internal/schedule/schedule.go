// Package schedule runs periodic background jobs on cron-spec intervals:
// the Control Plane's session-TTL cleanup timer and the orchestrator's
// maintenance sweep (spec.md §4.6, §4.9). Generalized from the teacher's
// internal/cron ticker-loop shape (one goroutine, context-cancellable,
// WaitGroup-tracked shutdown), backed by robfig/cron/v3's parser/runner
// instead of a bare time.Ticker, since every job here is scheduled by an
// "@every {duration}" spec computed from configuration at startup.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Scheduler runs zero or more periodic jobs, each on its own interval.
type Scheduler struct {
	c      *cronlib.Cron
	logger *slog.Logger
}

// New creates a Scheduler. Jobs are added with Every before Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		c:      cronlib.New(cronlib.WithParser(cronlib.NewParser(cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor))),
		logger: logger,
	}
}

// Every registers fn to run every interval, starting one interval from now.
// A panic inside fn is recovered and logged, never propagated to the
// scheduler's own goroutine (matching the teacher's queue/task isolation
// discipline elsewhere in this codebase).
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("schedule: interval must be positive for job %q", name)
	}
	spec := fmt.Sprintf("@every %s", interval)
	_, err := s.c.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("schedule: job panicked", "job", name, "panic", r)
			}
		}()
		fn()
	})
	if err != nil {
		return fmt.Errorf("schedule: register job %q: %w", name, err)
	}
	return nil
}

// Start begins running all registered jobs in the background.
func (s *Scheduler) Start() {
	s.c.Start()
	s.logger.Info("schedule: started")
}

// Stop cancels the scheduler and waits for any in-flight job invocation to
// finish.
func (s *Scheduler) Stop() {
	ctx := s.c.Stop()
	<-ctx.Done()
	s.logger.Info("schedule: stopped")
}
