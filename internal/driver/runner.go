package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IINGS/Crawler/internal/metrics"
)

// Drainer flushes and stops delivery.
type Drainer interface {
	Close(ctx context.Context) error
}

// RunnerConfig tunes the Runner.
type RunnerConfig struct {
	MaxParallelGroups int
	// BaseContext parents runs started with Start. Defaults to Background.
	BaseContext context.Context
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner owns the configured sources and guarantees at most one run per group.
type Runner struct {
	driver  *Driver
	sources map[string]Source
	drainer Drainer
	cfg     RunnerConfig
	logger  *zap.Logger

	mu       sync.Mutex
	running  map[string]*activeRun
	last     map[string]Summary
	stopping bool
}

// NewRunner builds a Runner. Duplicate groups are rejected.
func NewRunner(d *Driver, sources []Source, drainer Drainer, cfg RunnerConfig, logger *zap.Logger) (*Runner, error) {
	if cfg.MaxParallelGroups <= 0 {
		cfg.MaxParallelGroups = 5
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byGroup := make(map[string]Source, len(sources))
	for _, src := range sources {
		if err := src.validate(); err != nil {
			return nil, err
		}
		if _, dup := byGroup[src.Group]; dup {
			return nil, fmt.Errorf("duplicate source group %q", src.Group)
		}
		byGroup[src.Group] = src
	}
	return &Runner{
		driver:  d,
		sources: byGroup,
		drainer: drainer,
		cfg:     cfg,
		logger:  logger,
		running: map[string]*activeRun{},
		last:    map[string]Summary{},
	}, nil
}

// Groups lists configured groups in sorted order.
func (r *Runner) Groups() []string {
	groups := make([]string, 0, len(r.sources))
	for g := range r.sources {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Source returns the source configured for group.
func (r *Runner) Source(group string) (Source, bool) {
	src, ok := r.sources[group]
	return src, ok
}

// Running reports whether group has an active run.
func (r *Runner) Running(group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[group]
	return ok
}

// LastSummary returns the summary of the most recent finished run of group.
func (r *Runner) LastSummary(group string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.last[group]
	return s, ok
}

func (r *Runner) begin(parent context.Context, group string) (context.Context, *activeRun, Source, error) {
	src, ok := r.sources[group]
	if !ok {
		return nil, nil, Source{}, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return nil, nil, Source{}, ErrShuttingDown
	}
	if _, busy := r.running[group]; busy {
		return nil, nil, Source{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, group)
	}
	ctx, cancel := context.WithCancel(parent)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	r.running[group] = ar
	metrics.IncActiveGroups()
	return ctx, ar, src, nil
}

func (r *Runner) finish(group string, ar *activeRun, s Summary) {
	r.mu.Lock()
	delete(r.running, group)
	r.last[group] = s
	r.mu.Unlock()
	ar.cancel()
	metrics.DecActiveGroups()
	close(ar.done)
}

// Run crawls group and blocks until the run ends.
func (r *Runner) Run(ctx context.Context, group string) (Summary, error) {
	runCtx, ar, src, err := r.begin(ctx, group)
	if err != nil {
		return Summary{Group: group}, err
	}
	s, err := r.driver.Run(runCtx, src)
	r.finish(group, ar, s)
	return s, err
}

// Start crawls group in the background.
func (r *Runner) Start(group string) error {
	runCtx, ar, src, err := r.begin(r.cfg.BaseContext, group)
	if err != nil {
		return err
	}
	go func() {
		s, err := r.driver.Run(runCtx, src)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("background run ended with error", zap.String("group", group), zap.Error(err))
		}
		r.finish(group, ar, s)
	}()
	return nil
}

// Stop cancels group's active run and waits for it to end. Stopping an idle
// group is a no-op.
func (r *Runner) Stop(ctx context.Context, group string) error {
	if _, ok := r.sources[group]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	r.mu.Lock()
	ar, ok := r.running[group]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	ar.cancel()
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", group, ctx.Err())
	}
}

// RunAll crawls groups concurrently, bounded by MaxParallelGroups. One
// group's failure does not cancel the others; all errors are joined.
func (r *Runner) RunAll(ctx context.Context, groups []string) (map[string]Summary, error) {
	var (
		mu        sync.Mutex
		summaries = make(map[string]Summary, len(groups))
		errs      []error
		g         errgroup.Group
	)
	g.SetLimit(r.cfg.MaxParallelGroups)
	for _, group := range groups {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			s, err := r.Run(ctx, group)
			mu.Lock()
			defer mu.Unlock()
			summaries[group] = s
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", group, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return summaries, errors.Join(errs...)
}

// FlushAndStopDelivery refuses new runs, cancels active ones, waits for them
// to end and then drains the delivery queue. The queue is closed even when ctx
// expires while runs are still winding down, so buffered records are either
// delivered or reported as failed.
func (r *Runner) FlushAndStopDelivery(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	active := make([]*activeRun, 0, len(r.running))
	for _, ar := range r.running {
		active = append(active, ar)
	}
	r.mu.Unlock()

	for _, ar := range active {
		ar.cancel()
	}
	var waitErr error
wait:
	for _, ar := range active {
		select {
		case <-ar.done:
		case <-ctx.Done():
			waitErr = fmt.Errorf("wait for runs: %w", ctx.Err())
			r.logger.Warn("runs still active at shutdown deadline", zap.Error(ctx.Err()))
			break wait
		}
	}
	if r.drainer == nil {
		return waitErr
	}
	if err := r.drainer.Close(ctx); err != nil {
		return errors.Join(waitErr, fmt.Errorf("drain delivery: %w", err))
	}
	return waitErr
}
