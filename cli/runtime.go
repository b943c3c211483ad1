package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/engine/infra/cache"
	"github.com/sinas-platform/sinas/engine/infra/postgres"
	"github.com/sinas-platform/sinas/engine/logstream"
	"github.com/sinas-platform/sinas/engine/orchestrator"
	"github.com/sinas-platform/sinas/pkg/config"
	"github.com/sinas-platform/sinas/pkg/logger"
	"github.com/spf13/cobra"
)

// runtime holds the shared wiring every command builds on: config and
// logger in the context, the Postgres record store and the Redis
// connection behind the queue, the result bus and the log stream.
type runtime struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cfg        *config.Config
	store      *postgres.Store
	redis      *cache.Redis
	repo       execution.Repository
	bus        cache.ResultBus
	logs       *logstream.Stream
	dispatcher *dispatch.Dispatcher
	orch       *orchestrator.Orchestrator
}

// setupContext loads the environment file and configuration, builds the
// process logger and returns a signal-aware context carrying both.
func setupContext(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Config, error) {
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.NewLogger(&logger.Config{
		Level:     logger.LogLevel(cfg.Log.Level),
		JSON:      cfg.Log.JSON,
		AddSource: cfg.Log.Source,
	})
	ctx := logger.ContextWithLogger(cmd.Context(), log)
	ctx = config.ContextWithManager(ctx, config.NewManager(cfg))
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, cancel, cfg, nil
}

// newRuntime connects storage and wires the engine core shared by the
// serve and worker commands.
func newRuntime(cmd *cobra.Command, be backend.Backend) (*runtime, error) {
	ctx, cancel, cfg, err := setupContext(cmd)
	if err != nil {
		return nil, err
	}
	pgCfg := postgresConfig(cfg)
	store, err := postgres.NewStore(ctx, pgCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := postgres.ApplyMigrationsWithLock(ctx, pgCfg.DSN()); err != nil {
		store.Close(ctx)
		cancel()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	rds, err := cache.NewRedis(ctx, redisConfig(cfg))
	if err != nil {
		store.Close(ctx)
		cancel()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	bus, err := cache.NewRedisResultBus(rds, redisConfig(cfg))
	if err != nil {
		rds.Close()
		store.Close(ctx)
		cancel()
		return nil, err
	}
	logs, err := logstream.NewStream(rds, &logstream.Config{
		Retention: cfg.LogStream.Retention,
		TailBlock: cfg.LogStream.TailBlock,
		MaxRange:  int64(cfg.LogStream.MaxRange),
	})
	if err != nil {
		bus.Close()
		rds.Close()
		store.Close(ctx)
		cancel()
		return nil, err
	}
	repo := postgres.NewExecutionRepo(store.Pool())
	dispatcher := dispatch.NewDispatcher(repo, rds, bus, &dispatch.Config{
		QueueKey:           cfg.Dispatch.QueueKey,
		DefaultWaitTimeout: cfg.Dispatch.DefaultWaitTimeout,
		MaxWaitTimeout:     cfg.Dispatch.MaxWaitTimeout,
	})
	orch := orchestrator.New(repo, be, logs, bus, dispatcher, nil)
	return &runtime{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		store:      store,
		redis:      rds,
		repo:       repo,
		bus:        bus,
		logs:       logs,
		dispatcher: dispatcher,
		orch:       orch,
	}, nil
}

func (r *runtime) close() {
	r.bus.Close()
	r.redis.Close()
	r.store.Close(context.WithoutCancel(r.ctx))
	r.cancel()
}

func postgresConfig(cfg *config.Config) *postgres.Config {
	return &postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		PingTimeout:     cfg.Database.PingTimeout,
	}
}

func redisConfig(cfg *config.Config) *cache.Config {
	out := cache.DefaultConfig()
	out.URL = cfg.Redis.URL
	out.Host = cfg.Redis.Host
	out.Port = cfg.Redis.Port
	out.Password = cfg.Redis.Password
	out.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		out.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.DialTimeout > 0 {
		out.DialTimeout = cfg.Redis.DialTimeout
	}
	if cfg.Redis.ReadTimeout > 0 {
		out.ReadTimeout = cfg.Redis.ReadTimeout
	}
	if cfg.Redis.WriteTimeout > 0 {
		out.WriteTimeout = cfg.Redis.WriteTimeout
	}
	if cfg.Redis.PingTimeout > 0 {
		out.PingTimeout = cfg.Redis.PingTimeout
	}
	return out
}
