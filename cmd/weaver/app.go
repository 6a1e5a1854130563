package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/lineage-weaver/internal/config"
	"github.com/alvmarrod/lineage-weaver/internal/crawler"
	"github.com/alvmarrod/lineage-weaver/internal/fetch"
	"github.com/alvmarrod/lineage-weaver/internal/locator"
	"github.com/alvmarrod/lineage-weaver/internal/memory"
	"github.com/alvmarrod/lineage-weaver/internal/metrics"
	"github.com/alvmarrod/lineage-weaver/internal/parse"
	"github.com/alvmarrod/lineage-weaver/internal/reference"
	"github.com/alvmarrod/lineage-weaver/internal/resolver"
	"github.com/alvmarrod/lineage-weaver/internal/storage"
	"github.com/alvmarrod/lineage-weaver/internal/storage/postgres"
)

// Termination reasons written to the metrics file.
const (
	reasonFrontierEmpty = "frontier_empty"
	reasonResolved      = "resolved"
	reasonSignal        = "signal"
	reasonError         = "error"
	reasonForcedExit    = "forced_exit"
)

const progressInterval = 10 * time.Second

// app holds the services one command invocation needs.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	runID   string
	canon   *locator.Canonicalizer
	store   storage.Store
	tracker *metrics.Tracker
	server  *http.Server
}

// withApp opens every service, runs fn and always writes metrics and
// closes storage afterwards, whatever fn returned.
func withApp(ctx context.Context, opts *rootOptions, fn func(context.Context, *app) (string, error)) error {
	a, err := newApp(ctx, opts.cfg, logrus.StandardLogger())
	if err != nil {
		return err
	}

	go a.forceQuitOnSecondSignal(ctx)
	stopProgress := a.logProgress(ctx)

	reason, runErr := fn(ctx, a)
	stopProgress()

	a.log.Info("Final stats: " + a.tracker.LogProgress())
	a.close(reason)
	return runErr
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	canon, err := locator.New(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	runID := uuid.NewString()
	a := &app{
		cfg:     cfg,
		log:     log,
		runID:   runID,
		canon:   canon,
		store:   store,
		tracker: metrics.NewTracker(runID, ""),
	}

	if cfg.MetricsAddr != "" {
		a.server = metrics.NewServer(cfg.MetricsAddr)
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
		log.Infof("Serving metrics on %s", cfg.MetricsAddr)
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		logrus.Warn("Using in-memory storage; nothing survives this process")
		return memory.NewMemoryGraph(), nil

	case config.DriverPostgres:
		store, err := postgres.NewStore(ctx, postgres.Config{
			DSN:      cfg.DBDSN,
			MaxConns: int32(cfg.ConcurrentWorkers + cfg.ResolveWorkers),
		})
		if err != nil {
			return nil, err
		}
		logrus.Info("Database initialized: postgres")
		return store, nil

	default:
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		store, err := storage.NewStorage(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		logrus.Infof("Database initialized: %s", cfg.DBPath)
		return store, nil
	}
}

func (a *app) canonicalSeeds(seeds []string) ([]string, error) {
	out := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		loc, ok := a.canon.Canonical(seed)
		if !ok {
			return nil, fmt.Errorf("seed %q is not a locator on %s", seed, a.canon.Host())
		}
		out = append(out, loc)
	}
	return out, nil
}

func (a *app) controller() (*crawler.Controller, error) {
	cfg := a.cfg

	base, err := fetch.NewCollyFetcher(a.canon, fetch.Config{
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.RequestTimeout(),
		Delay:       cfg.CrawlDelay(),
		Parallelism: cfg.ConcurrentWorkers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fetcher: %w", err)
	}
	fetcher := fetch.NewRetryingFetcher(base, fetch.RetryPolicy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryDelay(),
		MaxDelay:    30 * time.Second,
	}, a.log)

	filter, err := reference.Load(cfg.ReferenceSnapshot, a.canon)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference snapshot: %w", err)
	}
	if n := filter.Len(); n >= 0 {
		a.log.Infof("Reference snapshot admits %d locators", n)
	}

	parser := parse.NewWikiParser(a.canon, cfg.EntityCategory)
	return crawler.NewController(a.store, fetcher, parser, filter, crawler.Config{
		Workers:  cfg.ConcurrentWorkers,
		Logger:   a.log,
		Recorder: a.tracker,
	}), nil
}

// crawl runs one controller entry point and, when it drained cleanly,
// resolves links.
func (a *app) crawl(ctx context.Context, run func(*crawler.Controller, context.Context) (crawler.Summary, error), resolve bool) (string, error) {
	c, err := a.controller()
	if err != nil {
		return reasonError, err
	}

	sum, err := run(c, ctx)
	a.tracker.SetRun(sum.RunID, string(sum.Mode))
	if err != nil {
		return reasonError, err
	}

	if sum.Interrupted {
		a.log.Warnf("Run interrupted with %d locators left in the frontier; use resume to continue", len(c.Pending()))
		return reasonSignal, nil
	}
	if !resolve {
		return reasonFrontierEmpty, nil
	}

	if err := a.resolve(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return reasonSignal, nil
		}
		return reasonError, fmt.Errorf("resolve: %w", err)
	}
	return reasonFrontierEmpty, nil
}

func (a *app) resolve(ctx context.Context) error {
	r := resolver.New(a.store, resolver.Config{
		Workers:  a.cfg.ResolveWorkers,
		Logger:   a.log,
		Recorder: a.tracker,
	})
	_, err := r.ResolveAll(ctx)
	return err
}

// logProgress logs tracker counters periodically until the returned stop is called.
func (a *app) logProgress(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.log.Info(a.tracker.LogProgress())
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// forceQuitOnSecondSignal exits immediately when a signal arrives after
// the graceful shutdown began.
func (a *app) forceQuitOnSecondSignal(ctx context.Context) {
	<-ctx.Done()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	sig := <-sigs
	a.log.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
	if err := a.tracker.WriteToFile(a.cfg.MetricsPath, reasonForcedExit); err != nil {
		a.log.Errorf("Emergency metrics save failed: %v", err)
	}
	os.Exit(1)
}

func (a *app) close(reason string) {
	if err := a.tracker.WriteToFile(a.cfg.MetricsPath, reason); err != nil {
		a.log.Errorf("Failed to write metrics: %v", err)
	} else {
		a.log.Infof("Metrics written to %s (%s)", a.cfg.MetricsPath, reason)
	}

	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Warnf("Metrics server shutdown: %v", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.Errorf("Failed to close storage: %v", err)
	}
}
