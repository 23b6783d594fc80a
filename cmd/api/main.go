package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	api "model-run-scheduler/internal/api"
	"model-run-scheduler/internal/artifact"
	"model-run-scheduler/internal/catalog"
	"model-run-scheduler/internal/config"
	"model-run-scheduler/internal/logging"
	"model-run-scheduler/internal/models"
	"model-run-scheduler/internal/ratelimit"
	"model-run-scheduler/internal/scheduler"
	"model-run-scheduler/internal/snapshot"
	"model-run-scheduler/internal/status"
	"model-run-scheduler/internal/store"
	"model-run-scheduler/internal/telemetry"
	"model-run-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := store.NewRegistry()
	snaps := snapshot.New(reg, cfg.SnapshotPath, cfg.SnapshotInterval, cfg.Retention, logging.Component(logger, "snapshot"))
	if _, err := snaps.Recover(); err != nil {
		logger.WithError(err).Warn("continuing without recovered history")
	}

	var publisher worker.Publisher
	if p, err := artifact.New(ctx, cfg); err != nil {
		logger.WithError(err).Fatal("artifact publisher")
	} else if p != nil {
		publisher = p
	}

	runner := worker.NewRunner(cfg, publisher, logging.Component(logger, "runner"))
	sched := scheduler.New(reg, runner, scheduler.Options{
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		JobTimeout:       cfg.JobTimeout,
	}, logging.Component(logger, "scheduler"))
	server := api.New(cfg, sched, status.New(reg, cfg.RecentCompleted), logging.Component(logger, "api"))

	if cfg.PostgresDSN != "" {
		archive, err := store.NewArchive(ctx, cfg.PostgresDSN, logging.Component(logger, "archive"))
		if err != nil {
			logger.WithError(err).Fatal("connect postgres")
		}
		defer archive.Close()
		if err := archive.RunMigrations(ctx); err != nil {
			logger.WithError(err).Fatal("migrations")
		}
		sched.OnEvent(func(ctx context.Context, kind scheduler.EventKind, job models.Job) {
			archive.Record(ctx, string(kind), job)
		})
		server.WithArchive(archive)
	}

	if cfg.CatalogEnabled || cfg.RateLimitCapacity > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if cfg.CatalogEnabled {
			server.WithCatalog(catalog.New(rdb, logging.Component(logger, "catalog")))
		}
		if cfg.RateLimitCapacity > 0 {
			server.WithLimiter(ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour))
		}
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return snaps.Run(gctx) })
	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsServer.Close()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("service stopped with error")
	}

	// in-flight jobs are terminated by now; record them.
	if err := snaps.PruneAndSave(); err != nil {
		logger.WithError(err).Error("final snapshot failed")
	}
	logger.Info("shutdown complete")
}
