package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler is a named-job adapter over robfig/cron. Jobs are addressed by
// name so trigger registration can be idempotent: adding a job under an
// existing name replaces the old one.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Start begins running scheduled jobs on the cron's own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddCronJob schedules fn under the given name using a standard 5-field cron
// expression. Invalid expressions are rejected before anything is scheduled.
func (s *Scheduler) AddCronJob(name, expression string, fn func()) error {
	if _, err := cron.ParseStandard(expression); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	return s.add(name, expression, fn)
}

// AddIntervalJob schedules fn to run every interval.
func (s *Scheduler) AddIntervalJob(name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	return s.add(name, fmt.Sprintf("@every %s", interval), fn)
}

func (s *Scheduler) add(name, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.jobs[name]; exists {
		s.cron.Remove(old)
		s.logger.Debug("replacing scheduled job", "job", name)
	}

	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		delete(s.jobs, name)
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	s.jobs[name] = id
	s.logger.Info("scheduled job", "job", name, "spec", spec)
	return nil
}

// RemoveJob unschedules the named job. Unknown names are a no-op.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.jobs[name]; exists {
		s.cron.Remove(id)
		delete(s.jobs, name)
		s.logger.Info("removed scheduled job", "job", name)
	}
}

// HasJob reports whether a job is scheduled under the given name.
func (s *Scheduler) HasJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.jobs[name]
	return exists
}

// JobNames lists the currently scheduled job names.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}
