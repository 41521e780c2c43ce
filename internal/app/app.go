// Package app initializes and holds the long-lived crawler services, acting
// as the dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/api"
	"github.com/JakeFAU/campus-crawler/internal/config"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/campus-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/campus-crawler/internal/frontier"
	indexmemory "github.com/JakeFAU/campus-crawler/internal/index/memory"
	indexpostgres "github.com/JakeFAU/campus-crawler/internal/index/postgres"
	"github.com/JakeFAU/campus-crawler/internal/journal"
	"github.com/JakeFAU/campus-crawler/internal/pipeline"
	"github.com/JakeFAU/campus-crawler/internal/politeness"
	"github.com/JakeFAU/campus-crawler/internal/scheduler"
	seenmemory "github.com/JakeFAU/campus-crawler/internal/seen/memory"
	seenredis "github.com/JakeFAU/campus-crawler/internal/seen/redis"
)

// Backend names accepted in index.backend and seen.backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// App holds the shared services built from one Config.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	index    crawler.IndexStore
	seen     crawler.SeenSet
	journal  *journal.Journal
	pipeline *pipeline.Pipeline
	sched    *scheduler.Scheduler
	pingers  []pinger
	closers  []func() error
}

// New builds every service. Store construction failures are fatal: the
// crawl never starts against an index or seen-set it cannot reach.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	if err := a.initIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initSeen(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initJournal(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initCrawl(); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("index", cfg.Index.Backend),
		zap.String("seen", cfg.Seen.Backend),
		zap.Bool("journal", cfg.Journal.Enabled),
	)
	return a, nil
}

func (a *App) initIndex(ctx context.Context) error {
	switch a.cfg.Index.Backend {
	case BackendMemory, "":
		a.logger.Info("using in-memory index; documents are lost on exit")
		a.index = indexmemory.New()
	case BackendPostgres:
		store, err := indexpostgres.New(ctx, indexpostgres.Config{
			DSN:      a.cfg.Index.DSN,
			Table:    a.cfg.Index.Table,
			MaxConns: a.cfg.Index.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("init postgres index: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("init postgres index: %w", err)
		}
		a.index = store
		a.pingers = append(a.pingers, store)
	default:
		return fmt.Errorf("unknown index backend %q", a.cfg.Index.Backend)
	}
	return nil
}

func (a *App) initSeen(ctx context.Context) error {
	switch a.cfg.Seen.Backend {
	case BackendMemory, "":
		a.seen = seenmemory.New()
	case BackendRedis:
		set, err := seenredis.New(ctx, seenredis.Config{
			Addr:     a.cfg.Seen.Addr,
			Password: a.cfg.Seen.Password,
			DB:       a.cfg.Seen.DB,
			Key:      a.cfg.Seen.Key,
		})
		if err != nil {
			return fmt.Errorf("init redis seen-set: %w", err)
		}
		a.seen = set
		a.pingers = append(a.pingers, set)
		a.closers = append(a.closers, set.Close)
	default:
		return fmt.Errorf("unknown seen backend %q", a.cfg.Seen.Backend)
	}
	return nil
}

func (a *App) initJournal() error {
	if !a.cfg.Journal.Enabled {
		return nil
	}
	j, err := journal.New(journal.Config{
		Dir:        a.cfg.Journal.Path,
		MaxSizeMB:  a.cfg.Journal.MaxSizeMB,
		MaxBackups: a.cfg.Journal.MaxBackups,
		Compress:   a.cfg.Journal.Compress,
	})
	if err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	a.journal = j
	a.closers = append(a.closers, j.Close)
	a.logger.Info("journal enabled", zap.String("path", a.cfg.Journal.Path), zap.String("instance", j.Instance()))
	return nil
}

func (a *App) initCrawl() error {
	c := a.cfg.Crawler
	deny, err := crawler.NewDenyRules(c.DenyPatterns...)
	if err != nil {
		return fmt.Errorf("compile deny patterns: %w", err)
	}
	gate := politeness.New(politeness.Config{
		AllowedDomains:       c.AllowedDomains,
		PerDomainConcurrency: c.PerDomainConcurrency,
		Delay:                c.Delay,
		Jitter:               c.Jitter,
	}, a.logger.Named("politeness"))

	var j crawler.Journal
	if a.journal != nil {
		j = a.journal
	}
	a.pipeline = pipeline.New(a.index, a.seen, j, pipeline.Config{
		WriteAttempts:  a.cfg.Pipeline.WriteAttempts,
		BackoffInitial: a.cfg.Pipeline.BackoffInitial,
		BackoffMax:     a.cfg.Pipeline.BackoffMax,
	}, a.logger.Named("pipeline"))

	admission := crawler.Admission{Scope: gate.Scope(), Deny: deny}
	source := frontier.New(a.index, a.seen, admission,
		frontier.Config{Oversample: c.Oversample, FallbackURLs: c.FallbackURLs},
		a.logger.Named("frontier"),
	)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     c.UserAgent,
		RespectRobots: c.ObeyRobots,
		Timeout:       c.RequestTimeout,
		MaxBodyBytes:  c.MaxBodyBytes,
	}, a.logger.Named("fetcher"))
	extractor := extract.New(extract.Config{
		StoreHTML: c.StoreHTML,
		Scope:     gate.Scope(),
	}, a.logger.Named("extract"))

	a.sched = scheduler.New(source, fetcher, extractor, a.pipeline, gate, a.seen, a.index,
		crawler.SystemClock{},
		scheduler.Config{
			Concurrency:      c.Concurrency,
			BatchSize:        c.BatchSize,
			ItemCeiling:      c.ItemCeiling,
			EmptyFillBackoff: c.EmptyFillBackoff,
			FetchRetries:     c.FetchRetries,
			Admission:        admission,
		},
		a.logger.Named("scheduler"),
	)
	return nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Index returns the document store.
func (a *App) Index() crawler.IndexStore {
	return a.index
}

// Seen returns the seen-set.
func (a *App) Seen() crawler.SeenSet {
	return a.seen
}

// Pipeline returns the ingestion pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Scheduler returns the crawl scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.sched
}

// Server builds the HTTP API. withCrawler attaches the scheduler's status
// and stop endpoints.
func (a *App) Server(withCrawler bool) *api.Server {
	opts := api.Options{Ready: a.Ready}
	if withCrawler {
		opts.Controller = a.sched
		opts.Pipeline = a.pipeline
	}
	return api.NewServer(a.index, opts, a.logger.Named("api"))
}

// Ready pings every remote dependency.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	for _, p := range a.pingers {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases services in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}
