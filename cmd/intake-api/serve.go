package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/admission"
	"github.com/ctrls/intake/internal/api"
	"github.com/ctrls/intake/internal/archive"
	"github.com/ctrls/intake/internal/config"
	"github.com/ctrls/intake/internal/directory"
	"github.com/ctrls/intake/internal/infrastructure/postgres"
	"github.com/ctrls/intake/internal/ledger"
	"github.com/ctrls/intake/internal/observability/metrics"
	"github.com/ctrls/intake/internal/observability/tracing"
	"github.com/ctrls/intake/internal/processing"
	"github.com/ctrls/intake/internal/reconcile"
	"github.com/ctrls/intake/pkg/idempotency"
	"github.com/ctrls/intake/pkg/retry"
	"github.com/ctrls/intake/pkg/workerpool"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and processing workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.IsDev() && cfg.JWTSecret == "" {
		cfg.JWTSecret = "development-only-secret"
		logger.Warn("JWT_SECRET not set, using the development secret; do not run this in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	l := ledger.NewPostgres(pool, cfg.EventsTopic, logger)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()

	dir, err := directory.NewClient(directory.Config{
		BaseURL: cfg.DirectoryBaseURL,
		Timeout: cfg.DirectoryTimeout,
	}, nil, logger)
	if err != nil {
		return err
	}

	policy := processing.ObservedPolicy(retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Multiplier:  cfg.RetryMultiplier,
		MaxDelay:    cfg.RetryMaxDelay,
	}, m, logger)

	proc := processing.NewProcessor(l, inbox,
		reconcile.New(dir, policy, logger),
		archive.New(archive.NewPDFRenderer(), dir, policy, logger),
		m, logger)

	queue, err := processing.NewQueue(workerpool.Config{
		Workers:      cfg.WorkerCore,
		MaxWorkers:   cfg.WorkerMax,
		QueueSize:    cfg.WorkerQueue,
		KeepAlive:    cfg.WorkerKeepAlive,
		DrainTimeout: cfg.WorkerDrainTimeout,
	}, proc, m, logger)
	if err != nil {
		return err
	}
	queue.Start()

	router := api.NewRouter(api.Deps{
		Admission:   admission.New(l, queue, m, logger),
		Ledger:      l,
		DB:          pool,
		Queue:       queue,
		Breakers:    dir.Breakers,
		Gatherer:    reg,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting intake API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	// Stop accepting submissions before draining the workers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}

	if err := queue.Stop(); err != nil {
		logger.Warn("processing queue did not drain", zap.Error(err))
	}
	inbox.Stop()

	tracingCtx, cancelTracing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTracing()
	if err := tp.Shutdown(tracingCtx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}
