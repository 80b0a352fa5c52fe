package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpapi "github.com/aryla/kuha/internal/http"
	"github.com/aryla/kuha/internal/oai"
	"github.com/aryla/kuha/internal/oai/handler"
	oaimetrics "github.com/aryla/kuha/internal/oai/metrics"
	"github.com/aryla/kuha/internal/platform/config"
	"github.com/aryla/kuha/internal/platform/httpserver"
	"github.com/aryla/kuha/internal/platform/logger"
	"github.com/aryla/kuha/internal/platform/redis"
	"github.com/aryla/kuha/internal/ratelimit"
	"github.com/aryla/kuha/internal/storage/memory"
	"github.com/aryla/kuha/internal/storage/postgres"
)

// main wires the store, the repository and the HTTP surface, and keeps
// the server lifecycle small. Protocol logic lives in internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg)
	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	descriptions, err := cfg.Descriptions()
	if err != nil {
		return err
	}

	routerOpts := []httpapi.Option{httpapi.WithLogger(log)}

	var store oai.Storage
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer pg.Close()
		store = pg
		routerOpts = append(routerOpts, httpapi.WithHealthCheck("database", pg.Health))
		log.Info("serving from postgresql")
	} else {
		store = memory.New()
		log.Info("serving from memory, records are lost on restart")
	}

	if cfg.RateLimit > 0 {
		var counters ratelimit.Store
		if cfg.RedisAddr != "" {
			rdb, err := redis.New(ctx, cfg.RedisAddr)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer rdb.Close()
			counters = ratelimit.NewRedisStore(rdb.Client)
			routerOpts = append(routerOpts, httpapi.WithHealthCheck("redis", rdb.Health))
		} else {
			counters = ratelimit.NewMemoryStore()
		}
		limiter := ratelimit.New(counters, cfg.RateLimit, cfg.RateWindow)
		routerOpts = append(routerOpts, httpapi.WithRateLimit(limiter))
	}

	repo := oai.New(store, oai.Settings{
		RepositoryName: cfg.RepositoryName,
		AdminEmails:    cfg.AdminEmails,
		DeletedRecords: cfg.DeletedRecords,
		Descriptions:   descriptions,
		ListLimit:      cfg.ItemListLimit,
	}, oai.WithLogger(log))

	protocol := handler.New(repo, cfg.BaseURL,
		handler.WithLogger(log),
		handler.WithMetrics(oaimetrics.New()),
	)

	srv := httpserver.New(cfg.Addr, httpapi.New(protocol, routerOpts...))
	log.Info("starting kuha server", "addr", cfg.Addr, "base_url", cfg.BaseURL)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
