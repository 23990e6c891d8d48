// Command server starts the INSIGHT job-pipeline engine.
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

	"github.com/joho/godotenv"

	anthropiccli "github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/ai/anthropic"
	httpserver "github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/httpserver"
	obsadapter "github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/observability"
	redditcli "github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/reddit"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/repo/memory"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/repo/postgres"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/app"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/logbus"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/observability"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/pipeline"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/usecase"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/watchdog"
)

func main() {
	// Local development convenience; absent .env files are fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obsadapter.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := obsadapter.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	costs, err := cfg.Costs()
	if err != nil {
		slog.Error("cost table load failed, using defaults", slog.Any("error", err))
		costs = config.DefaultCosts()
	}

	ctx := context.Background()
	bus := logbus.New(cfg.LogBusBuffer)

	// Store: Postgres when configured, in-memory otherwise (dev only).
	var store domain.Store
	dbCheck := func(context.Context) error { return nil }
	if cfg.DBURL != "" {
		if err := postgres.RunMigrations(cfg.DBURL); err != nil {
			slog.Error("migrations failed", slog.Any("error", err))
			os.Exit(1)
		}
		pool, err := postgres.NewPool(ctx, cfg.DBURL, postgres.PoolOptions{
			MaxConns:        int32(cfg.DBMaxConns),
			MaxConnIdleTime: cfg.DBConnIdleTime,
		})
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		store = postgres.NewStore(pool, bus)
		dbCheck = pool.Ping
	} else {
		slog.Warn("DB_URL not set, using in-memory store")
		store = memory.New(bus)
	}

	analyzer := anthropiccli.New(cfg)
	if !analyzer.Configured() {
		slog.Warn("anthropic api key not set; analyzer calls will fail")
	}
	scraper := redditcli.New(cfg)
	if !scraper.Configured() {
		slog.Warn("reddit credentials not set; scrape admission disabled")
	}

	ledger := usecase.NewCreditLedger(store, costs)
	registry := usecase.NewJobRegistry(store)
	runners := pipeline.New(store, registry, ledger, analyzer, scraper, cfg.SubredditTimeout, cfg.DefaultSubreddits)
	dispatcher := &usecase.Dispatcher{
		Store:    store,
		Ledger:   ledger,
		Registry: registry,
		Workers:  usecase.NewWorkerRegistry(),
		Runners:  runners,
		Scraper:  scraper,
	}

	// The watchdog owns wall-clock timeouts for stuck jobs.
	wdCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go watchdog.New(store, cfg.JobTimeout, cfg.WatchdogInterval).Run(wdCtx)

	srv := httpserver.NewServer(cfg, dispatcher, store, bus, dbCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
