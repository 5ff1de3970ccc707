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

	"github.com/hibiken/asynq"
	"github.com/urfave/cli/v3"

	staffcli "github.com/staffhub/staffhub/cmd/staffhub/cli"
	accesshttp "github.com/staffhub/staffhub/internal/access/http"
	"github.com/staffhub/staffhub/internal/app"
	"github.com/staffhub/staffhub/internal/observability"
	"github.com/staffhub/staffhub/internal/permcache"
	"github.com/staffhub/staffhub/internal/rbac"
	"github.com/staffhub/staffhub/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cli.Command{
		Name:   "staffhub",
		Usage:  "page visibility and permission service",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serve,
			},
			staffcli.CacheCommand(openRuntime),
			staffcli.JobsCommand(openJobs),
		},
	}
	if err := root.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, _ *cli.Command) error {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return nil
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()
	cacheMetrics, err := permcache.NewMetrics(metrics.Registerer())
	if err != nil {
		return fmt.Errorf("register cache metrics: %w", err)
	}

	rt, err := app.Bootstrap(ctx, cfg, logger, cacheMetrics)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer rt.Close()

	if err := rt.Listen(ctx); err != nil {
		logger.Warn("cache invalidations from other instances disabled", slog.Any("error", err))
	}

	guard := rbac.Middleware{Authorizer: rt.Access, Logger: logger}
	accessHandler := accesshttp.NewHandler(logger, rt.Access, guard)

	var jobHandler *jobs.Handler
	if rt.Redis != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() { _ = inspector.Close() }()
		jobHandler = jobs.NewHandler(inspector, logger)
	} else {
		jobHandler = jobs.NewHandler(nil, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		AccessHandler: accessHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr), slog.String("cache_backend", cfg.CacheBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireSharedStore(); err != nil {
		return nil, err
	}
	return app.Bootstrap(ctx, cfg, app.NewLogger(cfg), nil)
}

func openJobs(ctx context.Context) (*staffcli.JobsCLI, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return staffcli.NewJobsCLI(cfg.RedisAddr), nil
}
