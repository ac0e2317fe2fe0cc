// Package schedule triggers background group runs on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/IINGS/Crawler/internal/driver"
)

// Starter launches a background run of a group.
type Starter interface {
	Start(group string) error
}

// Scheduler maps groups to cron entries. A tick that finds its group still
// running is skipped.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a Scheduler using the standard five-field parser.
func New(starter Starter, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	clog := cronLogger{logger: logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog)),
		),
		starter: starter,
		logger:  logger,
		entries: map[string]cron.EntryID{},
	}
}

// Add schedules group on spec. Each group may be scheduled once.
func (s *Scheduler) Add(group, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[group]; dup {
		return fmt.Errorf("group %s is already scheduled", group)
	}
	id, err := s.cron.AddFunc(spec, func() { s.trigger(group) })
	if err != nil {
		return fmt.Errorf("schedule %s on %q: %w", group, spec, err)
	}
	s.entries[group] = id
	s.logger.Info("group scheduled", zap.String("group", group), zap.String("schedule", spec))
	return nil
}

// Len reports the number of scheduled groups.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Next returns the next activation of group. It is zero until Start.
func (s *Scheduler) Next(group string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[group]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins firing entries in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new ticks and waits for triggers in flight. Runs already
// started are not affected.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) trigger(group string) {
	err := s.starter.Start(group)
	switch {
	case err == nil:
		s.logger.Info("scheduled run started", zap.String("group", group))
	case errors.Is(err, driver.ErrAlreadyRunning):
		s.logger.Info("scheduled run skipped, group still running", zap.String("group", group))
	case errors.Is(err, driver.ErrShuttingDown):
		s.logger.Debug("scheduled run skipped during shutdown", zap.String("group", group))
	default:
		s.logger.Error("scheduled run failed to start", zap.String("group", group), zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
