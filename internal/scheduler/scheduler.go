// Package scheduler runs a periodic job with at most one execution in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultInitialDelay is the wait before the bootstrap run.
	DefaultInitialDelay = 30 * time.Second
	// DefaultInterval is the wait between periodic runs.
	DefaultInterval = time.Hour
)

// ErrInvalidConfig is returned for an unusable scheduler configuration.
var ErrInvalidConfig = errors.New("invalid scheduler config")

// Job is the scheduled work.
type Job func(ctx context.Context) error

// Config sets the schedule.
type Config struct {
	Name         string
	InitialDelay time.Duration
	Interval     time.Duration
}

// Stats counts executions.
type Stats struct {
	Runs     int64
	Skipped  int64
	Failures int64
	LastRun  time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(scheduler *Scheduler) {
		if clock != nil {
			scheduler.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(scheduler *Scheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// Scheduler triggers a Job after an initial delay and then on every interval.
// A trigger that arrives while a run is still executing is skipped.
type Scheduler struct {
	job    Job
	config Config
	clock  Clock
	logger *zap.Logger

	running  atomic.Bool
	inFlight sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New validates the configuration and builds a Scheduler.
func New(job Job, config Config, options ...Option) (*Scheduler, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: job is nil", ErrInvalidConfig)
	}
	if config.InitialDelay < 0 {
		return nil, fmt.Errorf("%w: negative initial delay", ErrInvalidConfig)
	}
	if config.Interval < 0 {
		return nil, fmt.Errorf("%w: negative interval", ErrInvalidConfig)
	}
	if config.InitialDelay == 0 {
		config.InitialDelay = DefaultInitialDelay
	}
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.Name == "" {
		config.Name = "job"
	}
	scheduler := &Scheduler{
		job:    job,
		config: config,
		clock:  RealClock(),
		logger: zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(scheduler)
		}
	}
	scheduler.logger = scheduler.logger.With(zap.String("job", config.Name))
	return scheduler, nil
}

// Config returns the effective schedule.
func (scheduler *Scheduler) Config() Config {
	return scheduler.config
}

// Run blocks until ctx is cancelled, then waits for the in-flight execution.
func (scheduler *Scheduler) Run(ctx context.Context) {
	defer scheduler.inFlight.Wait()

	bootstrap := scheduler.clock.NewTimer(scheduler.config.InitialDelay)
	select {
	case <-ctx.Done():
		bootstrap.Stop()
		return
	case <-bootstrap.C():
		scheduler.Trigger(ctx)
	}

	ticker := scheduler.clock.NewTicker(scheduler.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			scheduler.Trigger(ctx)
		}
	}
}

// Trigger starts an execution unless one is already running. It reports whether a run started.
func (scheduler *Scheduler) Trigger(ctx context.Context) bool {
	if !scheduler.running.CompareAndSwap(false, true) {
		scheduler.mu.Lock()
		scheduler.stats.Skipped++
		scheduler.mu.Unlock()
		scheduler.logger.Info("scheduled run skipped, previous run still executing")
		return false
	}
	scheduler.inFlight.Add(1)
	go func() {
		defer scheduler.inFlight.Done()
		defer scheduler.running.Store(false)
		scheduler.execute(ctx)
	}()
	return true
}

// Running reports whether an execution is in flight.
func (scheduler *Scheduler) Running() bool {
	return scheduler.running.Load()
}

// Stats returns execution counters.
func (scheduler *Scheduler) Stats() Stats {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	return scheduler.stats
}

// Wait blocks until the in-flight execution, if any, finishes.
func (scheduler *Scheduler) Wait() {
	scheduler.inFlight.Wait()
}

func (scheduler *Scheduler) execute(ctx context.Context) {
	startedAt := scheduler.clock.Now()
	err := scheduler.job(ctx)

	scheduler.mu.Lock()
	scheduler.stats.Runs++
	scheduler.stats.LastRun = startedAt
	if err != nil {
		scheduler.stats.Failures++
	}
	scheduler.mu.Unlock()

	if err != nil {
		scheduler.logger.Error("scheduled run failed", zap.Error(err))
		return
	}
	scheduler.logger.Debug("scheduled run finished", zap.Time("started_at", startedAt))
}
