// Package scheduler owns the lifetime of nightforge's periodic work
// (spec.md §4.1): the scan loop, position monitor, fee refresh, daily
// snapshot/reset, nightly orchestration and weekly report. Grounded on
// trader-go/internal/scheduler/scheduler.go's cron.Cron wrapper, extended
// with per-job overlap suppression (jobs never overlap with themselves) and
// context-aware job functions so shutdown cancellation propagates.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is one schedulable unit of work. The context is cancelled when
// the scheduler shuts down; jobs must honor it at their next suspension
// point (spec.md §5).
type JobFunc func(ctx context.Context) error

// Scheduler manages background jobs on a cron timeline.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]bool
	timers  []*time.Timer
	wg      sync.WaitGroup
}

// New creates a scheduler whose clock-based jobs fire in tz (the configured
// local trading timezone).
func New(tz *time.Location, log zerolog.Logger) *Scheduler {
	if tz == nil {
		tz = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(tz)),
		log:     log.With().Str("component", "scheduler").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
	}
}

// Start starts the cron timeline.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop cancels the job context, stops the cron timeline and waits for every
// in-flight job to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()
	done := s.cron.Stop()
	<-done.Done()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// run executes job once with overlap suppression: a fire that lands while
// the previous one is still running is skipped, so jobs never overlap with
// themselves (spec.md §4.1).
func (s *Scheduler) run(name string, job JobFunc) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.log.Debug().Str("job", name).Msg("skipped: already running")
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running[name] = false
		s.mu.Unlock()
	}()

	if s.ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := job(s.ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Dur("elapsed", time.Since(start)).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("elapsed", time.Since(start)).Msg("job completed")
}

// AddEvery registers job on a fixed interval, with an optional one-shot
// initial fire after initialDelay (the engine uses ~10s for scan and ~1
// minute for fee_check).
func (s *Scheduler) AddEvery(name string, interval, initialDelay time.Duration, job JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.run(name, job) }); err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	if initialDelay > 0 {
		timer := time.AfterFunc(initialDelay, func() { s.run(name, job) })
		s.mu.Lock()
		s.timers = append(s.timers, timer)
		s.mu.Unlock()
	}
	s.log.Info().Str("job", name).Dur("interval", interval).Msg("job registered")
	return nil
}

// AddCron registers job on a six-field cron expression (seconds first),
// evaluated in the scheduler's configured timezone.
func (s *Scheduler) AddCron(name, spec string, job JobFunc) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(name, job) }); err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	s.log.Info().Str("job", name).Str("schedule", spec).Msg("job registered")
	return nil
}

// DailyAt builds the cron expression for a once-a-day fire at hh:mm local.
func DailyAt(hour, minute int) string {
	return fmt.Sprintf("0 %d %d * * *", minute, hour)
}

// WeeklyAt builds the cron expression for a once-a-week fire.
func WeeklyAt(weekday time.Weekday, hour, minute int) string {
	return fmt.Sprintf("0 %d %d * * %d", minute, hour, int(weekday))
}

// RunNow executes a job immediately, outside its schedule, with the same
// overlap suppression.
func (s *Scheduler) RunNow(name string, job JobFunc) {
	s.run(name, job)
}
