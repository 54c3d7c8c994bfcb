// Package scheduler runs periodic jobs under a tomb so that stopping the
// scheduler stops and waits for every job loop.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	tomb "gopkg.in/tomb.v2"

	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/metrics"
)

// ErrStarted is returned when jobs are added to a running scheduler.
var ErrStarted = errors.New("scheduler: already started")

// JobFunc is one run of a job. An error is logged and counted; the job keeps
// its schedule.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	next func(now time.Time) time.Time
	run  JobFunc
}

// Scheduler owns the job loops.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []job
	t       *tomb.Tomb
	started bool
}

// New creates a scheduler. A nil clock means the system clock.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{clock: clk, logger: logger}
}

// Every runs fn every d, starting d after Start.
func (s *Scheduler) Every(name string, d time.Duration, fn JobFunc) error {
	if d <= 0 {
		return errors.New("scheduler: interval must be positive")
	}
	return s.add(job{name: name, run: fn, next: func(now time.Time) time.Time { return now.Add(d) }})
}

// Daily runs fn once a day at hour:00 in the clock's location.
func (s *Scheduler) Daily(name string, hour int, fn JobFunc) error {
	if hour < 0 || hour > 23 {
		return errors.New("scheduler: hour must be within 0-23")
	}
	return s.add(job{name: name, run: fn, next: func(now time.Time) time.Time { return NextDaily(now, hour) }})
}

func (s *Scheduler) add(j job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// NextDaily returns the first instant strictly after now that falls on hour:00.
func NextDaily(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start launches every job loop. The loops stop when ctx is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	t, tctx := tomb.WithContext(ctx)
	s.t = t
	for _, j := range s.jobs {
		t.Go(func() error { return s.loop(tctx, t, j) })
	}
	// Keep the tomb alive until it is killed, even with no jobs.
	t.Go(func() error {
		<-t.Dying()
		return nil
	})
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) loop(ctx context.Context, t *tomb.Tomb, j job) error {
	for {
		wait := j.next(s.clock.Now()).Sub(s.clock.Now())
		timer := time.NewTimer(max(wait, 0))
		select {
		case <-t.Dying():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.runOnce(ctx, j)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.JobRuns.WithLabelValues(j.name, "panic").Inc()
			s.logger.Error("scheduled job panicked", "job", j.name, "panic", r)
		}
	}()
	err := j.run(ctx)
	metrics.JobRuns.WithLabelValues(j.name, metrics.Result(err)).Inc()
	if err != nil {
		s.logger.Error("scheduled job failed", "job", j.name, "err", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job done", "job", j.name, "duration", time.Since(start))
}

// Stop kills every job loop and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	t := s.t
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Kill(nil)
	return s.Wait()
}

// Wait blocks until the scheduler has stopped, either through Stop or because
// the context given to Start was cancelled.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	t := s.t
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	err := t.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
