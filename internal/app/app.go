// Package app builds the long-lived services of the crawler from configuration
// and owns their shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/IINGS/Crawler/internal/clock/system"
	"github.com/IINGS/Crawler/internal/config"
	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/dedup"
	"github.com/IINGS/Crawler/internal/delivery"
	"github.com/IINGS/Crawler/internal/driver"
	"github.com/IINGS/Crawler/internal/enrich"
	"github.com/IINGS/Crawler/internal/extract"
	"github.com/IINGS/Crawler/internal/fetcher"
	collyfetcher "github.com/IINGS/Crawler/internal/fetcher/colly"
	headlessfetcher "github.com/IINGS/Crawler/internal/fetcher/headless"
	"github.com/IINGS/Crawler/internal/hash/sha256"
	"github.com/IINGS/Crawler/internal/id/uuid"
	"github.com/IINGS/Crawler/internal/logging"
	"github.com/IINGS/Crawler/internal/metrics"
	"github.com/IINGS/Crawler/internal/policy/ratelimit"
	memorysink "github.com/IINGS/Crawler/internal/sink/memory"
	pubsubsink "github.com/IINGS/Crawler/internal/sink/pubsub"
	"github.com/IINGS/Crawler/internal/sink/webhook"
	"github.com/IINGS/Crawler/internal/state"
	"github.com/IINGS/Crawler/internal/storage"
)

// Options adjust how Build wires the services.
type Options struct {
	// DryRun swaps the sink and state for in-memory implementations so nothing
	// leaves the process and no checkpoint is persisted.
	DryRun bool
	// Logger overrides the logger built from configuration.
	Logger *zap.Logger
	// BaseContext parents runs started in the background.
	BaseContext context.Context
}

// App holds the wired services.
type App struct {
	Config config.Config
	Logger *zap.Logger
	State  crawler.StateStore
	Queue  *delivery.Queue
	Runner *driver.Runner
	// Sink is the delivery target; a *memorysink.Sink in dry-run mode.
	Sink crawler.Sink

	headless        *headlessfetcher.Fetcher
	pubsubClient    *pubsub.Client
	pubsubSink      *pubsubsink.Sink
	deadLetterClose func() error
}

// Build creates the application's dependencies. On error every service opened
// so far is released.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = newLogger(cfg)
		if err != nil {
			return nil, err
		}
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger, deadLetterClose: func() error { return nil }}
	defer func() {
		if err != nil {
			a.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("sources", len(cfg.Sources)),
	)

	if err = a.setupState(ctx, opts.DryRun); err != nil {
		return nil, err
	}
	if err = a.setupSink(ctx, opts.DryRun); err != nil {
		return nil, err
	}
	if err = a.setupQueue(ctx, opts); err != nil {
		return nil, err
	}
	if err = a.setupRunner(opts); err != nil {
		return nil, err
	}
	return a, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func (a *App) setupState(ctx context.Context, dryRun bool) error {
	backend := a.Config.State.Backend
	if dryRun {
		backend = "memory"
	}
	store, err := state.Open(ctx, state.Config{
		Backend:     backend,
		Dir:         a.Config.State.Dir,
		DSN:         a.Config.State.DSN,
		TablePrefix: a.Config.State.TablePrefix,
		MaxConns:    a.Config.State.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("state store init failed: %w", err)
	}
	a.State = store
	a.Logger.Info("state store ready", zap.String("backend", backend))
	return nil
}

func (a *App) setupSink(ctx context.Context, dryRun bool) error {
	backend := a.Config.Sink.Backend
	if dryRun {
		backend = "memory"
	}
	switch backend {
	case "webhook":
		sink, err := webhook.New(webhook.Config{
			URL:       a.Config.Sink.Webhook.URL,
			Envelope:  a.Config.Sink.Webhook.Envelope,
			Timeout:   a.Config.Sink.Webhook.Timeout,
			UserAgent: a.Config.HTTP.UserAgent,
		}, &http.Client{Timeout: a.Config.Sink.Webhook.Timeout})
		if err != nil {
			return fmt.Errorf("webhook sink init failed: %w", err)
		}
		a.Sink = sink
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.Config.Sink.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubSink = pubsubsink.New(client.Publisher(a.Config.Sink.PubSub.Topic))
		a.Sink = a.pubsubSink
	case "memory":
		a.Sink = memorysink.New()
	default:
		return fmt.Errorf("unsupported sink backend %q", backend)
	}
	a.Logger.Info("sink ready", zap.String("backend", backend))
	return nil
}

func (a *App) setupQueue(ctx context.Context, opts Options) error {
	deadLetter := a.Config.DeadLetter
	if opts.DryRun {
		deadLetter.Backend = "none"
	}
	archive, closeArchive, err := storage.Open(ctx, storage.Config{
		Backend: deadLetter.Backend,
		Dir:     deadLetter.Dir,
		Bucket:  deadLetter.Bucket,
		Prefix:  deadLetter.Prefix,
	})
	if err != nil {
		return fmt.Errorf("dead letter store init failed: %w", err)
	}
	a.deadLetterClose = closeArchive

	d := a.Config.Delivery
	a.Queue = delivery.New(delivery.Config{
		BatchSize:   d.BatchSize,
		IdleWait:    d.IdleWait,
		SendTimeout: d.SendTimeout,
		Retry: delivery.RetryPolicy{
			MaxRetries: d.MaxRetries,
			BaseDelay:  d.BackoffBase,
			MaxDelay:   d.BackoffMax,
			LinearStep: d.LinearStep,
		},
		DeadLetter:       archive,
		DeadLetterPrefix: deadLetter.Prefix,
		Hasher:           sha256.New(),
		Clock:            system.New(),
		BaseContext:      opts.BaseContext,
		Logger:           a.Logger,
	}, a.Sink)
	a.Logger.Info("delivery queue started",
		zap.Int("batch_size", d.BatchSize),
		zap.Duration("idle_wait", d.IdleWait),
		zap.Int("max_retries", d.MaxRetries),
		zap.String("dead_letter", deadLetter.Backend),
	)
	return nil
}

func (a *App) setupRunner(opts Options) error {
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.Config.HTTP.UserAgent,
		UserAgents:    a.Config.HTTP.UserAgents,
		RespectRobots: a.Config.HTTP.RespectRobots,
		Timeout:       a.Config.HTTP.Timeout,
	})
	var headless crawler.Fetcher
	if a.Config.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.Config.Headless.MaxParallel,
			UserAgent:         a.Config.HTTP.UserAgent,
			NavigationTimeout: a.Config.Headless.NavTimeout,
		})
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = hf
		headless = hf
		a.Logger.Info("headless fetcher enabled", zap.Int("max_parallel", a.Config.Headless.MaxParallel))
	}
	router := fetcher.NewRouter(httpFetcher, headless)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.Config.HTTP.RPS,
		DefaultBurst: a.Config.HTTP.Burst,
	})

	sources := make([]driver.Source, 0, len(a.Config.Sources))
	for _, sc := range a.Config.Sources {
		src, err := a.source(sc)
		if err != nil {
			return err
		}
		if sc.RPS > 0 {
			limiter.SetGroup(sc.Group, sc.RPS, sc.Burst)
		}
		sources = append(sources, src)
	}

	var enricher crawler.Enricher
	if a.Config.Enrich.Enabled {
		blocked := a.Config.Enrich.BlockedDomains
		if len(blocked) == 0 {
			blocked = enrich.DefaultBlockedDomains
		}
		enricher = enrich.NewContactMiner(router, enrich.Config{BlockedDomains: blocked}, a.Logger.Named("enrich"))
	}

	clock := system.New()
	d := driver.New(driver.Config{
		EnrichConcurrency: a.Config.Crawl.EnrichConcurrency,
	}, driver.Deps{
		Fetcher:     router,
		Checkpoints: a.State,
		Classifier:  dedup.New(a.State, sha256.New(), clock),
		Enricher:    enricher,
		Queue:       a.Queue,
		Limiter:     limiter,
		Clock:       clock,
		Sleeper:     clock,
		IDs:         uuid.New(),
		Logger:      a.Logger.Named("driver"),
	})

	runner, err := driver.NewRunner(d, sources, a.Queue, driver.RunnerConfig{
		MaxParallelGroups: a.Config.Crawl.MaxParallelGroups,
		BaseContext:       opts.BaseContext,
	}, a.Logger.Named("runner"))
	if err != nil {
		return fmt.Errorf("runner init failed: %w", err)
	}
	a.Runner = runner
	return nil
}

// source resolves one configured source into a driver source.
func (a *App) source(sc config.SourceConfig) (driver.Source, error) {
	rules := sc.Extraction
	if rules.Strategy == "" && sc.Kind == crawler.KindFile {
		rules.Strategy = extract.StrategyXML
	}
	strategy, err := extract.New(rules)
	if err != nil {
		return driver.Source{}, fmt.Errorf("source %s: %w", sc.Group, err)
	}
	return driver.Source{
		Group:     sc.Group,
		Name:      sc.Name,
		Site:      sc.Site,
		Kind:      sc.Kind,
		URL:       sc.URL,
		Method:    sc.Method,
		Form:      sc.FormValues(),
		Headers:   sc.Headers,
		Headless:  sc.Headless,
		Actions:   sc.Actions,
		StartPage: sc.StartPage,
		MaxPage:   sc.MaxPage,
		PageSize:  sc.PageSize,
		PageDelay: a.Config.EffectivePageDelay(sc),
		Dir:       sc.Dir,
		Pattern:   sc.Pattern,
		Strategy:  strategy,
	}, nil
}

// Close cancels active runs, drains delivery and releases every backend.
// It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Runner != nil {
		if err := a.Runner.FlushAndStopDelivery(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure()
	a.Logger.Info("shutdown complete", zap.Any("delivery", a.queueStats()))
	_ = a.Logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
	return errors.Join(errs...)
}

func (a *App) queueStats() crawler.DeliveryStats {
	if a.Queue == nil {
		return crawler.DeliveryStats{}
	}
	return a.Queue.Stats()
}

func (a *App) closeInfrastructure() {
	if a.Queue != nil && a.Runner == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Queue.Close(ctx); err != nil {
			a.Logger.Warn("delivery queue close failed", zap.Error(err))
		}
		cancel()
	}
	if a.headless != nil {
		a.headless.Close()
		a.headless = nil
	}
	if a.pubsubSink != nil {
		a.pubsubSink.Stop()
		a.pubsubSink = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.Logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.deadLetterClose != nil {
		if err := a.deadLetterClose(); err != nil {
			a.Logger.Warn("dead letter store close failed", zap.Error(err))
		}
		a.deadLetterClose = nil
	}
	if a.State != nil {
		if err := a.State.Close(); err != nil {
			a.Logger.Warn("state store close failed", zap.Error(err))
		}
		a.State = nil
	}
}
