// Package scheduler runs jobs at fixed local intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vigil/internal/scan"
)

// ErrUnknownJob is returned by RunJob for names that were never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is one periodic sweep.
type Job interface {
	Name() string
	Run(ctx context.Context) (scan.Stats, error)
}

type entry struct {
	job          Job
	interval     time.Duration
	initialDelay time.Duration

	mu      sync.Mutex
	runs    int64
	lastRun time.Time
	lastErr error
}

// Scheduler runs each job on its own ticker. Runs of the same job never overlap.
type Scheduler struct {
	entries   []*entry
	metrics   *Metrics
	startTime time.Time
	runs      atomic.Int64
	log       zerolog.Logger
}

// New creates a scheduler. metrics may be nil.
func New(metrics *Metrics) *Scheduler {
	return &Scheduler{
		metrics:   metrics,
		startTime: time.Now(),
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers job to run every interval after initialDelay.
func (s *Scheduler) Add(job Job, interval, initialDelay time.Duration) {
	s.entries = append(s.entries, &entry{job: job, interval: interval, initialDelay: initialDelay})
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.job.Name())
	}
	return names
}

// Run starts every job loop and blocks until ctx is done and all running jobs returned.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, e := range s.entries {
		if e.interval <= 0 {
			return fmt.Errorf("job %s: interval must be positive", e.job.Name())
		}
	}

	s.log.Info().Int("jobs", len(s.entries)).Msg("scheduler started")
	if len(s.entries) == 0 {
		s.log.Warn().Msg("no jobs enabled, idling")
		<-ctx.Done()
		return nil
	}
	for _, e := range s.entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}

	wg.Wait()
	s.log.Info().Msg("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	delay := time.NewTimer(e.initialDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		s.execute(ctx, e)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs every job sequentially and returns the joined errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, e := range s.entries {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.execute(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.job.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// RunJob runs the named job once.
func (s *Scheduler) RunJob(ctx context.Context, name string) (scan.Stats, error) {
	for _, e := range s.entries {
		if e.job.Name() == name {
			return s.execute(ctx, e)
		}
	}
	return scan.Stats{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (scan.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := e.job.Name()
	start := time.Now()
	s.log.Debug().Str("job", name).Msg("job started")

	stats, err := e.job.Run(ctx)
	elapsed := time.Since(start)

	e.runs++
	e.lastRun = start
	e.lastErr = err
	s.runs.Add(1)

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case stats.ItemFailures > 0 || stats.ScopeFailures > 0:
		status = "partial"
	}
	s.metrics.RecordRun(ctx, name, status, elapsed, stats)

	evt := s.log.Info()
	if err != nil {
		evt = s.log.Error().Err(err)
	}
	evt.Str("job", name).
		Str("status", status).
		Dur("duration", elapsed).
		Int("pages", stats.Pages).
		Int("items", stats.Items).
		Int("item_failures", stats.ItemFailures).
		Int("scope_failures", stats.ScopeFailures).
		Msg("job finished")

	return stats, err
}

// JobStatus describes the last run of one job.
type JobStatus struct {
	Runs      int64
	LastRun   time.Time
	LastError string
}

// HealthStatus represents scheduler health.
type HealthStatus struct {
	Status string
	Uptime int64
	Runs   int64
	Jobs   map[string]JobStatus
}

// Health returns scheduler health. A job whose last run failed marks it degraded.
func (s *Scheduler) Health() HealthStatus {
	h := HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(s.startTime).Seconds()),
		Runs:   s.runs.Load(),
		Jobs:   make(map[string]JobStatus, len(s.entries)),
	}
	for _, e := range s.entries {
		if !e.mu.TryLock() {
			// running; report the previous run without waiting
			h.Jobs[e.job.Name()] = JobStatus{}
			continue
		}
		st := JobStatus{Runs: e.runs, LastRun: e.lastRun}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
			h.Status = "degraded"
		}
		e.mu.Unlock()
		h.Jobs[e.job.Name()] = st
	}
	return h
}
