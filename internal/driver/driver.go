// Package driver runs the incremental crawl loop for a group: it resumes from
// the stored checkpoint, fetches and extracts pages, classifies every record
// against the seen-set, enriches and enqueues accepted records, and advances
// the checkpoint only after a page has been fully handed to delivery.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/metrics"
	"github.com/IINGS/Crawler/internal/record"
	"github.com/IINGS/Crawler/internal/sites"
)

// Errors returned by the driver and runner.
var (
	ErrAlreadyRunning = errors.New("group already running")
	ErrUnknownGroup   = errors.New("unknown group")
	ErrCursorKind     = errors.New("checkpoint kind does not match source kind")
	ErrShuttingDown   = errors.New("runner is shutting down")
)

// Summary describes one run.
type Summary = crawler.RunSummary

// Classifier decides whether a record is new, changed or unchanged.
type Classifier interface {
	Classify(ctx context.Context, group string, rec crawler.Record) (crawler.Classification, error)
}

// Limiter paces requests per group.
type Limiter interface {
	Wait(ctx context.Context, group string) error
}

// Sleeper waits between pages.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Streamer is implemented by strategies that can scan a file without
// holding it in memory.
type Streamer interface {
	Stream(r io.Reader, fn func(map[string]string) error) error
}

// Config tunes the driver.
type Config struct {
	// EnrichConcurrency bounds concurrent homepage lookups per page.
	EnrichConcurrency int
	// FileBatchSize is the number of file rows processed between checks.
	FileBatchSize int
}

// Deps are the collaborators of a Driver. Enricher and Limiter may be nil.
type Deps struct {
	Fetcher     crawler.Fetcher
	Checkpoints crawler.CheckpointStore
	Classifier  Classifier
	Enricher    crawler.Enricher
	Queue       crawler.Enqueuer
	Limiter     Limiter
	Clock       crawler.Clock
	Sleeper     Sleeper
	IDs         crawler.IDGenerator
	Logger      *zap.Logger
}

// Driver executes crawl runs.
type Driver struct {
	cfg  Config
	deps Deps
}

// New builds a Driver.
func New(cfg Config, deps Deps) *Driver {
	if cfg.EnrichConcurrency <= 0 {
		cfg.EnrichConcurrency = 8
	}
	if cfg.FileBatchSize <= 0 {
		cfg.FileBatchSize = 200
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, deps: deps}
}

// run holds the state of one group run.
type run struct {
	src        Source
	hooks      sites.Hooks
	normalizer *record.Normalizer
	logger     *zap.Logger
	summary    Summary
}

// Run crawls src until the source is exhausted, an error occurs or ctx is
// canceled. Cancellation is reported as ctx.Err() with the checkpoint left at
// the last fully processed page.
func (d *Driver) Run(ctx context.Context, src Source) (Summary, error) {
	if err := src.validate(); err != nil {
		return Summary{Group: src.Group}, err
	}
	runID, err := d.deps.IDs.NewID()
	if err != nil {
		return Summary{Group: src.Group}, fmt.Errorf("new run id: %w", err)
	}
	r := &run{
		src:        src,
		normalizer: record.NewNormalizer(src.Group, src.Name),
		logger:     d.deps.Logger.With(zap.String("group", src.Group), zap.String("run_id", runID)),
		summary:    Summary{RunID: runID, Group: src.Group, StartedAt: d.deps.Clock.Now()},
	}
	if src.Site != "" {
		h, ok := sites.Lookup(src.Site)
		if !ok {
			return r.summary, fmt.Errorf("source %s: unknown site %q", src.Group, src.Site)
		}
		r.hooks = h
	}

	r.logger.Info("crawl run started", zap.String("kind", string(src.Kind)))
	err = d.execute(ctx, r)
	r.summary.EndedAt = d.deps.Clock.Now()
	if err != nil {
		r.summary.Error = err.Error()
		sites.OnError(context.WithoutCancel(ctx), r.hooks, err, r.summary.Cursor)
	}
	sites.OnFinish(context.WithoutCancel(ctx), r.hooks, r.summary)

	fields := []zap.Field{
		zap.Int("pages", r.summary.Pages),
		zap.Int("new", r.summary.New),
		zap.Int("changed", r.summary.Changed),
		zap.Int("unchanged", r.summary.Unchanged),
		zap.Int("enqueued", r.summary.Enqueued),
		zap.Bool("completed", r.summary.Completed),
		zap.Duration("elapsed", r.summary.EndedAt.Sub(r.summary.StartedAt)),
	}
	switch {
	case err == nil:
		r.logger.Info("crawl run finished", fields...)
	case errors.Is(err, context.Canceled):
		r.logger.Info("crawl run stopped", fields...)
	default:
		r.logger.Error("crawl run failed", append(fields, zap.Error(err))...)
	}
	return r.summary, err
}

func (d *Driver) execute(ctx context.Context, r *run) error {
	if err := sites.OnStart(ctx, r.hooks, d.deps.Fetcher); err != nil {
		return fmt.Errorf("start hook: %w", err)
	}
	cursor, err := d.deps.Checkpoints.LoadCheckpoint(ctx, r.src.Group)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if !cursor.IsZero() && cursor.Kind != r.src.Kind {
		return fmt.Errorf("%w: stored %s, source is %s", ErrCursorKind, cursor, r.src.Kind)
	}
	r.summary.Cursor = cursor
	if !cursor.IsZero() {
		r.logger.Info("resuming from checkpoint", zap.Stringer("cursor", cursor))
	}

	if r.src.Kind == crawler.KindFile {
		return d.runFiles(ctx, r, cursor)
	}
	return d.runPages(ctx, r, cursor)
}

func (d *Driver) runPages(ctx context.Context, r *run, cursor crawler.Cursor) error {
	src := r.src
	for pos, first := src.start(cursor), true; ; first = false {
		if err := ctx.Err(); err != nil {
			return err
		}
		if src.exhausted(pos) {
			return d.complete(ctx, r)
		}
		if !first && src.PageDelay > 0 && d.deps.Sleeper != nil {
			if err := d.deps.Sleeper.Sleep(ctx, src.PageDelay); err != nil {
				return err
			}
		}

		req := src.request(pos)
		skip, err := sites.BeforeRequest(ctx, r.hooks, &req, src.cursor(pos))
		if err != nil {
			return fmt.Errorf("request hook at %s: %w", src.cursor(pos), err)
		}
		if skip {
			metrics.ObservePage(src.Group, "skipped")
		} else {
			done, err := d.crawlPage(ctx, r, pos, req)
			if err != nil {
				return err
			}
			if done {
				return d.complete(ctx, r)
			}
		}

		pos = src.next(pos)
		if err := d.save(ctx, r, src.cursor(pos)); err != nil {
			return err
		}
	}
}

// crawlPage fetches, extracts and processes one page. done reports an empty
// page, which marks the end of the source.
func (d *Driver) crawlPage(ctx context.Context, r *run, pos int, req crawler.FetchRequest) (bool, error) {
	src := r.src
	if d.deps.Limiter != nil {
		if err := d.deps.Limiter.Wait(ctx, src.Group); err != nil {
			return false, err
		}
	}
	resp, err := d.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		metrics.ObservePage(src.Group, "error")
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("fetch %s at %s: %w", req.URL, src.cursor(pos), err)
	}
	rows, err := src.Strategy.Extract(resp.Body)
	if err != nil {
		metrics.ObservePage(src.Group, "error")
		return false, fmt.Errorf("extract %s at %s: %w", req.URL, src.cursor(pos), err)
	}
	if len(rows) == 0 {
		metrics.ObservePage(src.Group, "empty")
		r.logger.Info("empty page, end of source", zap.Stringer("cursor", src.cursor(pos)))
		return true, nil
	}
	metrics.ObservePage(src.Group, "ok")
	r.summary.Pages++
	r.logger.Debug("page extracted",
		zap.Stringer("cursor", src.cursor(pos)),
		zap.Int("rows", len(rows)),
		zap.Duration("fetch", resp.Duration),
	)
	return false, d.processRows(ctx, r, rows)
}

func (d *Driver) runFiles(ctx context.Context, r *run, cursor crawler.Cursor) error {
	src := r.src
	pattern := src.Pattern
	if pattern == "" {
		pattern = "*.xml"
	}
	matches, err := filepath.Glob(filepath.Join(src.Dir, pattern))
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	slices.Sort(names)

	for _, name := range names {
		if !cursor.IsZero() && name <= cursor.File {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.processFile(ctx, r, filepath.Join(src.Dir, name)); err != nil {
			return err
		}
		r.summary.Pages++
		metrics.ObservePage(src.Group, "ok")
		if err := d.save(ctx, r, crawler.FileCursor(name)); err != nil {
			return err
		}
	}
	return d.complete(ctx, r)
}

func (d *Driver) processFile(ctx context.Context, r *run, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	r.logger.Info("processing file", zap.String("file", filepath.Base(path)))

	streamer, ok := r.src.Strategy.(Streamer)
	if !ok {
		body, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rows, err := r.src.Strategy.Extract(body)
		if err != nil {
			return fmt.Errorf("extract %s: %w", path, err)
		}
		return d.processRows(ctx, r, rows)
	}

	batch := make([]map[string]string, 0, d.cfg.FileBatchSize)
	err = streamer.Stream(f, func(row map[string]string) error {
		batch = append(batch, row)
		if len(batch) < d.cfg.FileBatchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.processRows(ctx, r, batch)
		batch = batch[:0]
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return d.processRows(ctx, r, batch)
}

// processRows applies hooks, normalizes, classifies, enriches and enqueues a
// batch of rows. Store operations ignore cancellation so a fetched page is
// always classified and delivered as a whole; enrichment does not, and
// records whose lookup was cut short are delivered as extracted.
func (d *Driver) processRows(ctx context.Context, r *run, rows []map[string]string) error {
	storeCtx := context.WithoutCancel(ctx)
	accepted := make([]crawler.Record, 0, len(rows))
	for _, row := range rows {
		r.summary.Extracted++
		row, keep := sites.BeforeSave(r.hooks, row)
		if !keep {
			r.summary.Dropped++
			continue
		}
		rec := r.normalizer.Normalize(row)
		class, err := d.deps.Classifier.Classify(storeCtx, r.src.Group, rec)
		if err != nil {
			r.logger.Error("seen store failed, treating record as new",
				zap.String("event", "seen_store_error"),
				zap.String("key", rec.Key),
				zap.Error(err),
			)
			class = crawler.ClassNew
		}
		metrics.ObserveClassification(r.src.Group, string(class))
		switch class {
		case crawler.ClassNew:
			r.summary.New++
		case crawler.ClassChanged:
			r.summary.Changed++
		default:
			r.summary.Unchanged++
		}
		if class.Accepted() {
			accepted = append(accepted, rec)
		}
	}

	d.enrich(ctx, accepted)

	for i, rec := range accepted {
		if err := d.deps.Queue.Enqueue(rec); err != nil {
			r.logger.Error("accepted records not enqueued",
				zap.String("event", "enqueue_failed"),
				zap.Bool("delivery_lost", true),
				zap.Int("records", len(accepted)-i),
				zap.Error(err),
			)
			return fmt.Errorf("enqueue %q: %w", rec.Key, err)
		}
		r.summary.Enqueued++
	}
	return nil
}

func (d *Driver) enrich(ctx context.Context, recs []crawler.Record) {
	if d.deps.Enricher == nil || len(recs) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(d.cfg.EnrichConcurrency)
	for i := range recs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if enriched, err := d.deps.Enricher.Enrich(ctx, recs[i]); err == nil {
				recs[i] = enriched
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Driver) save(ctx context.Context, r *run, c crawler.Cursor) error {
	if err := d.deps.Checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), r.src.Group, c); err != nil {
		metrics.ObserveCheckpoint(r.src.Group, "error")
		return fmt.Errorf("save checkpoint %s: %w", c, err)
	}
	metrics.ObserveCheckpoint(r.src.Group, "ok")
	r.summary.Cursor = c
	return nil
}

// complete resets the checkpoint so the next run starts from the beginning.
func (d *Driver) complete(ctx context.Context, r *run) error {
	if err := d.deps.Checkpoints.ResetCheckpoint(context.WithoutCancel(ctx), r.src.Group); err != nil {
		metrics.ObserveCheckpoint(r.src.Group, "error")
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	metrics.ObserveCheckpoint(r.src.Group, "reset")
	r.summary.Cursor = crawler.Cursor{}
	r.summary.Completed = true
	return nil
}
