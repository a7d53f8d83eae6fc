// Package main runs the harvesting fleet: an autoscaling supervisor that
// sizes the worker pool from account health, plus an ops HTTP server for
// health, status and metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/adapter/reddit"
	"github.com/scrapeworks/reddit-harvester/internal/adapter/repo/sqlite"
	"github.com/scrapeworks/reddit-harvester/internal/app"
	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/harvester"
	"github.com/scrapeworks/reddit-harvester/internal/orchestrator"
	"github.com/scrapeworks/reddit-harvester/internal/scheduler"
	"github.com/scrapeworks/reddit-harvester/internal/service/accountpool"
	"github.com/scrapeworks/reddit-harvester/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting orchestrator",
		slog.String("env", cfg.AppEnv),
		slog.String("scraper_id", cfg.ScraperID))

	accountsDB, err := sqlite.Open(cfg.AccountsDBPath)
	if err != nil {
		slog.Error("failed to open accounts store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = accountsDB.Close() }()

	rateDB, err := sqlite.Open(cfg.RateDBPath)
	if err != nil {
		slog.Error("failed to open rate store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rateDB.Close() }()

	checkpointsDB, err := sqlite.Open(cfg.CheckpointsDBPath)
	if err != nil {
		slog.Error("failed to open checkpoints store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = checkpointsDB.Close() }()

	accountRepo, err := sqlite.NewAccountRepo(accountsDB)
	if err != nil {
		slog.Error("failed to init account repo", slog.Any("error", err))
		os.Exit(1)
	}
	workerCheckpoints, err := sqlite.NewWorkerCheckpointRepo(accountsDB)
	if err != nil {
		slog.Error("failed to init worker checkpoint repo", slog.Any("error", err))
		os.Exit(1)
	}
	jobCheckpoints, err := sqlite.NewJobCheckpointRepo(checkpointsDB)
	if err != nil {
		slog.Error("failed to init job checkpoint repo", slog.Any("error", err))
		os.Exit(1)
	}
	limiter, err := ratelimiter.NewSQLiteLimiter(rateDB)
	if err != nil {
		slog.Error("failed to init rate limiter", slog.Any("error", err))
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	if err := limiter.EnsureBucket(startCtx, cfg.RateBucketName, cfg.RateBucketCapacity, cfg.RateBucketRefill); err != nil {
		slog.Error("failed to ensure rate bucket", slog.Any("error", err))
		os.Exit(1)
	}

	osFS := afero.NewOsFs()
	rotation := accountpool.NewProxyRotation(osFS, cfg.ProxiesJSONPath)
	factory := reddit.NewFactory(cfg)
	pool := accountpool.NewPool(accountRepo, rotation, factory, cfg.PoolCooldown())

	// Rows stranded in leased by a previous crash would never scale in again.
	if _, err := pool.RecoverStaleLeases(startCtx); err != nil {
		slog.Error("failed to recover stale leases", slog.Any("error", err))
		os.Exit(1)
	}

	catalog := scheduler.NewCatalog(osFS, cfg.CatalogPath, cfg.ScraperID, cfg.PollInterval())
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	state := scheduler.NewStateStore(osFS, cfg.JobStatePath, cfg.JobCooldownMin, cfg.JobCooldownMax, rng)

	harv := harvester.New(limiter, jobCheckpoints, harvester.RunOptions(cfg.EntityLimit), cfg.RateBucketName)

	deps := orchestrator.WorkerDeps{
		Pool:         pool,
		Harvester:    harv,
		Catalog:      catalog,
		State:        state,
		Checkpoints:  workerCheckpoints,
		IdleSleep:    cfg.IdleSleepInterval(),
		EntityLimit:  cfg.EntityLimit,
		RateCooldown: cfg.CooldownRate,
	}
	supervisor := orchestrator.NewSupervisor(pool, func(id string) *orchestrator.Worker {
		return orchestrator.NewWorker(id, deps)
	}, cfg)

	ops := &app.Server{
		Cfg:              cfg,
		Pool:             pool,
		Checkpoints:      workerCheckpoints,
		Fleet:            supervisor.WorkerIDs,
		AccountsCheck:    app.DBCheck(accountsDB),
		RateCheck:        app.DBCheck(rateDB),
		CheckpointsCheck: app.DBCheck(checkpointsDB),
		CatalogCheck:     app.FileCheck(osFS, cfg.CatalogPath),
	}
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OrchPromPort),
		Handler:           app.BuildRouter(cfg, ops),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		if err := supervisor.Run(runCtx); err != nil {
			slog.Error("supervisor stopped with error", slog.Any("error", err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", slog.Int("port", cfg.OrchPromPort))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server failed", slog.Any("error", err))
		}
	}

	// Stop the fleet first so every lease is released before the stores close.
	cancelRun()
	<-supDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown failed", slog.Any("error", err))
	}

	slog.Info("orchestrator stopped")
}
