// Package scheduler runs the reverse sync cycle on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/reverse"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSchedule     = "@every 300s"
	defaultCycleTimeout = 10 * time.Minute
)

var (
	ErrInvalidConfig = errors.New("scheduler: invalid config")

	errMissingRunner = errors.New("cycle runner is required")
)

// CycleRunner executes one reverse sync cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (reverse.Summary, error)
}

// Config describes a Scheduler. Schedule accepts standard five-field cron
// expressions and descriptors such as "@every 5m".
type Config struct {
	Schedule     string
	Runner       CycleRunner
	CycleTimeout time.Duration
	Logger       *zap.Logger
}

// Scheduler triggers reverse sync cycles. A tick that arrives while a cycle
// is still running is dropped.
type Scheduler struct {
	runner       CycleRunner
	schedule     string
	cycleTimeout time.Duration
	cron         *cron.Cron
	logger       *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	entryID cron.EntryID
}

// New validates the schedule and constructs a stopped Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingRunner)
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.CycleTimeout
	if timeout <= 0 {
		timeout = defaultCycleTimeout
	}

	cronLogger := zapCronLogger{logger: logger.Named("cron")}
	return &Scheduler{
		runner:       cfg.Runner,
		schedule:     schedule,
		cycleTimeout: timeout,
		cron:         cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		logger:       logger,
		baseCtx:      context.Background(),
	}, nil
}

// Start registers the cycle job and starts the cron loop. Cycles run under
// ctx; cancelling it aborts an in-flight cycle but does not stop the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID != 0 {
		return nil
	}
	s.baseCtx = ctx
	id, err := s.cron.AddFunc(s.schedule, s.tick)
	if err != nil {
		return fmt.Errorf("schedule reverse sync: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("reverse sync scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the loop and waits for a running cycle until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("reverse sync scheduler stopped before the running cycle finished")
		return
	}
	s.logger.Info("reverse sync scheduler stopped")
}

// Next reports the next scheduled run; zero when not started.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	id := s.entryID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, s.cycleTimeout)
	defer cancel()
	s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) {
	summary, err := s.runner.RunCycle(ctx)
	switch {
	case errors.Is(err, reverse.ErrCycleInProgress):
		s.logger.Info("scheduled reverse sync skipped, cycle already running")
	case err != nil:
		s.logger.Error("scheduled reverse sync failed", zap.Error(err))
	default:
		s.logger.Debug("scheduled reverse sync finished",
			zap.Int("total", summary.Total),
			zap.Int("successful", summary.Successful),
			zap.Int("failed", summary.Failed),
		)
	}
}

// zapCronLogger adapts zap to cron's key/value logger.
type zapCronLogger struct {
	logger *zap.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
