package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aryla/kuha/internal/harvest"
	harvestmetrics "github.com/aryla/kuha/internal/harvest/metrics"
	"github.com/aryla/kuha/internal/platform/config"
	"github.com/aryla/kuha/internal/platform/httpserver"
	"github.com/aryla/kuha/internal/platform/logger"
	"github.com/aryla/kuha/internal/provider"
	"github.com/aryla/kuha/internal/storage/memory"
	"github.com/aryla/kuha/internal/storage/postgres"
)

// main harvests the configured source into the store, once by default
// or on a timer when KUHA_HARVEST_INTERVAL is set.
func main() {
	dryRun := flag.Bool("dry-run", false, "log every change without writing any")
	purge := flag.Bool("purge", false, "physically remove tombstoned formats, items and records")
	full := flag.Bool("full", false, "re-fetch every item instead of skipping unchanged ones")
	once := flag.Bool("once", false, "run a single harvest even when an interval is configured")
	flag.Parse()

	cfg := config.FromEnv()
	log := logger.New(cfg)
	opts := harvest.RunOptions{
		DryRun:      *dryRun,
		Purge:       *purge,
		Incremental: !*full,
	}
	if err := run(context.Background(), cfg, log, opts, *once); err != nil {
		log.Error("harvester failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger, opts harvest.RunOptions, once bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.SourceURL == "" {
		return fmt.Errorf("KUHA_SOURCE_URL names no harvest source")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store harvest.Storage
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer pg.Close()
		store = pg
	} else {
		store = memory.New()
		log.Warn("harvesting into memory, results are lost on exit")
	}

	source, err := provider.New(cfg.SourceURL, cfg.UpstreamPrefix)
	if err != nil {
		return err
	}
	engine := harvest.New(store, harvest.WithLogger(log), harvest.WithMetrics(harvestmetrics.New()))

	log.Info("starting harvest",
		"source", cfg.SourceURL,
		"dry_run", opts.DryRun,
		"purge", opts.Purge,
		"incremental", opts.Incremental,
	)
	if once || cfg.HarvestInterval <= 0 {
		return engine.Run(ctx, source, opts)
	}
	return runForever(ctx, cfg, log, engine, source, opts)
}

// runForever repeats harvests every interval until the context ends. A
// failed run is logged and retried on the next tick; only a broken
// metrics listener aborts the daemon.
func runForever(ctx context.Context, cfg config.Config, log *slog.Logger, engine *harvest.Engine, source harvest.Provider, opts harvest.RunOptions) error {
	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		r := chi.NewRouter()
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		srv := httpserver.New(cfg.MetricsAddr, r)
		log.Info("serving harvest metrics", "addr", cfg.MetricsAddr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		harvestOnce := func() {
			if err := engine.Run(ctx, source, opts); err != nil && ctx.Err() == nil {
				log.Error("harvest run failed", "error", err)
			}
		}
		harvestOnce()
		timer := time.NewTimer(cfg.HarvestInterval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("harvester stopping")
				return nil
			case <-timer.C:
				harvestOnce()
				timer.Reset(cfg.HarvestInterval)
			}
		}
	})
	return g.Wait()
}
