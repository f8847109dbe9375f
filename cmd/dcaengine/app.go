package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dcaengine/internal/alert"
	"dcaengine/internal/chain"
	"dcaengine/internal/client/oneinch"
	"dcaengine/internal/config"
	"dcaengine/internal/db"
	"dcaengine/internal/deposit"
	"dcaengine/internal/executor"
	"dcaengine/internal/logger"
	"dcaengine/internal/queue"
	"dcaengine/internal/receipt"
	gormrepository "dcaengine/internal/repository/gorm"
	"dcaengine/internal/scheduler"
	"dcaengine/internal/service"
)

// app holds the wired components shared by the subcommands. Fields a
// subcommand does not need stay nil.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	db     *db.DB
	store  *gormrepository.Store
	flags  *service.SystemSettingsService

	redis *redis.Client
	queue queue.Queue
	chain *chain.EthClient
	token *chain.TokenRegistry
}

func newApp(opts *rootOptions, component string) (*app, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log, cfg.App, "dcaengine-"+component)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &app{cfg: cfg, logger: log}, nil
}

// openStore connects the ledger store and migrates the schema.
func (a *app) openStore(ctx context.Context) error {
	conn, err := db.Open(a.cfg.DB)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	a.db = conn
	if err := db.SetTimezone(conn, a.cfg.DB.Timezone); err != nil {
		a.logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(conn); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	a.store = gormrepository.New(conn.Gorm)
	a.flags = &service.SystemSettingsService{Repo: a.store}
	if err := a.flags.EnsureDefaultSwitches(ctx); err != nil {
		a.logger.Warn("init default feature switches failed", zap.Error(err))
	}
	return nil
}

func (a *app) openQueue(ctx context.Context) error {
	opts := queue.OptionsFromConfig(a.cfg.Queue)
	switch strings.ToLower(strings.TrimSpace(a.cfg.Queue.Backend)) {
	case "memory":
		a.logger.Warn("using in-memory job queue; pending jobs are lost on restart")
		a.queue = queue.NewMemoryQueue(opts)
	default:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		a.queue = queue.NewRedisQueue(a.redis, a.cfg.Queue.Name, opts)
	}
	return nil
}

func (a *app) openChain(ctx context.Context) error {
	client, err := chain.Dial(ctx, a.cfg.Chain, a.logger)
	if err != nil {
		return fmt.Errorf("chain dial: %w", err)
	}
	a.chain = client
	a.token = chain.NewTokenRegistry(client, a.cfg.Chain, a.cfg.Tokens)
	return nil
}

func (a *app) scheduler() *scheduler.Scheduler {
	return &scheduler.Scheduler{
		Repo:      a.store,
		Queue:     a.queue,
		Logger:    a.logger.Named("scheduler"),
		Flags:     a.flags,
		BatchSize: a.cfg.Scheduler.BatchSize,
	}
}

func (a *app) executor() *executor.Executor {
	aggregator := oneinch.NewClient(&http.Client{Timeout: a.cfg.Aggregator.Timeout}, a.cfg.Aggregator)
	return &executor.Executor{
		Repo:          a.store,
		Chain:         a.chain,
		Swap:          aggregator,
		Parser:        receipt.NewParser(a.cfg.Chain.WrappedNative),
		Tokens:        a.token,
		Alerts:        alert.NewDispatcher(a.cfg.Alert, a.logger.Named("alert")),
		Logger:        a.logger.Named("executor"),
		Confirmations: a.cfg.Chain.Confirmations,
	}
}

// depositService verifies against the custodial wallet the chain client signs
// with.
func (a *app) depositService() *deposit.Service {
	return &deposit.Service{
		Repo: a.store,
		Verifier: &deposit.Verifier{
			Chain:                a.chain,
			MasterWallet:         a.chain.Address(),
			MinimumConfirmations: a.cfg.Deposit.MinimumConfirmations,
		},
		Tokens:             a.token,
		Flags:              a.flags,
		Logger:             a.logger.Named("deposit"),
		RequireSenderMatch: a.cfg.Deposit.RequireSenderMatch,
	}
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = db.Close(a.db)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
