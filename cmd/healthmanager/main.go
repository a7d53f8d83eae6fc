// Package main runs the account health manager: a periodic sweep that
// probes ready accounts against the live API and moves failing ones into
// cooldown or quarantine, plus an ops HTTP server.
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

	"github.com/spf13/afero"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/adapter/reddit"
	"github.com/scrapeworks/reddit-harvester/internal/adapter/repo/sqlite"
	"github.com/scrapeworks/reddit-harvester/internal/app"
	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/health"
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

	slog.Info("starting health manager",
		slog.String("env", cfg.AppEnv),
		slog.Int("interval_seconds", cfg.ManagerInterval))

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

	accountRepo, err := sqlite.NewAccountRepo(accountsDB)
	if err != nil {
		slog.Error("failed to init account repo", slog.Any("error", err))
		os.Exit(1)
	}
	limiter, err := ratelimiter.NewSQLiteLimiter(rateDB)
	if err != nil {
		slog.Error("failed to init rate limiter", slog.Any("error", err))
		os.Exit(1)
	}

	osFS := afero.NewOsFs()
	rotation := accountpool.NewProxyRotation(osFS, cfg.ProxiesJSONPath)
	factory := reddit.NewFactory(cfg)
	manager := health.NewManager(accountRepo, factory, rotation, limiter, cfg)

	// The pool here only feeds the statusz health report; leases stay with
	// the orchestrator process.
	pool := accountpool.NewPool(accountRepo, rotation, factory, cfg.PoolCooldown())

	ops := &app.Server{
		Cfg:           cfg,
		Pool:          pool,
		AccountsCheck: app.DBCheck(accountsDB),
		RateCheck:     app.DBCheck(rateDB),
	}
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.PromPort),
		Handler:           app.BuildRouter(cfg, ops),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	mgrDone := make(chan struct{})
	go func() {
		defer close(mgrDone)
		if err := manager.Run(runCtx); err != nil {
			slog.Error("health manager stopped with error", slog.Any("error", err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", slog.Int("port", cfg.PromPort))
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

	cancelRun()
	<-mgrDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown failed", slog.Any("error", err))
	}

	slog.Info("health manager stopped")
}
