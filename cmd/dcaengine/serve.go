package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cronrunner "dcaengine/internal/cron"
	"dcaengine/internal/handler"
	"dcaengine/internal/metrics"
	"dcaengine/internal/queue"
	"dcaengine/internal/service"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the recurring scheduler and the execution workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(opts, "serve")
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	cfg := a.cfg

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}
	if err := a.openChain(ctx); err != nil {
		return err
	}
	logger.Info("custodial wallet", zap.String("address", a.chain.Address().Hex()))

	strategies := &service.StrategyService{Repo: a.store, Logger: logger.Named("strategy")}
	deposits := a.depositService()
	exec := a.executor()

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger.Named("http")))

	(&handler.HealthHandler{DB: a.db.Gorm, Chain: a.chain}).Register(engine)
	(&handler.StrategyHandler{Service: strategies}).Register(engine)
	if cfg.Deposit.Enabled {
		(&handler.AccountHandler{Repo: a.store, Deposits: deposits}).Register(engine)
	}
	(&handler.OperatorHandler{Strategies: strategies, Settings: a.flags}).Register(engine)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	if cfg.Worker.Enabled {
		pool := &queue.Pool{
			Queue:        a.queue,
			Handler:      exec.HandleJob,
			Logger:       logger.Named("worker"),
			Concurrency:  cfg.Worker.Concurrency,
			PollInterval: cfg.Worker.PollInterval,
			JobTimeout:   cfg.Worker.JobTimeout,
			Enabled: func(ctx context.Context) bool {
				return a.flags.IsEnabled(ctx, service.FeatureWorkers, true)
			},
			OnResult: func(_ *queue.Job, err error, requeued bool) {
				switch {
				case err == nil:
					metrics.RecordJob("completed")
				case requeued:
					metrics.RecordJob("retried")
				default:
					metrics.RecordJob("dead")
				}
			},
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	runner := cronrunner.New(logger, ctx, cronrunner.WithTimeout(time.Minute))
	if cfg.Scheduler.Enabled {
		sched := a.scheduler()
		if _, err := runner.Add("scheduler", cfg.Scheduler.Spec, func(ctx context.Context) {
			if _, err := sched.SyncDueStrategies(ctx); err != nil {
				logger.Warn("scheduler sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}
	if _, err := runner.Add("queue-stats", "@every 1m", func(ctx context.Context) {
		stats, err := a.queue.Stats(ctx)
		if err != nil {
			logger.Warn("queue stats failed", zap.Error(err))
			return
		}
		logger.Info("queue stats",
			zap.Int64("waiting", stats.Waiting),
			zap.Int64("delayed", stats.Delayed),
			zap.Int64("active", stats.Active),
			zap.Int64("failed", stats.Failed),
		)
	}); err != nil {
		return err
	}
	runner.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error("http server failed", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	runner.Stop()
	// Workers finish their current job; an execution past its swap runs to a
	// recorded outcome regardless of cancellation.
	wg.Wait()
	logger.Info("shutdown complete")
	return err
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			logger.Error("request failed", append(fields, zap.String("error", c.Errors.String()))...)
			return
		}
		logger.Debug("request", fields...)
	}
}
