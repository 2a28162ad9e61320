package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/viperbmw/netstacks-sub002/internal/config"
	"github.com/viperbmw/netstacks-sub002/internal/manager"
	"github.com/viperbmw/netstacks-sub002/internal/redisq"
	"github.com/viperbmw/netstacks-sub002/internal/webhook"
)

var (
	flagConfig string
	flagRedis  string
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "netstacksd",
		Short:         "Network-device task execution engine",
		Long:          "netstacksd queues device operations, executes them through pluggable drivers,\nand serializes work against stateful devices while fanning out everything else.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&flagRedis, "redis", "", "redis address (overrides config)")

	cmd.AddCommand(
		workerCmd(),
		submitCmd(),
		jobCmd(),
		jobsCmd(),
		workersCmd(),
		killCmd(),
		scheduleCmd(),
	)
	return cmd
}

// app bundles the shared wiring every subcommand needs.
type app struct {
	cfg *config.Config
	rdb *redis.Client
	log *slog.Logger

	store   *redisq.Store
	disp    *redisq.Dispatcher
	workers *redisq.Workers
	mgr     *manager.Manager
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flagRedis != "" {
		cfg.RedisAddr = flagRedis
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}

	store := redisq.NewStore(rdb)
	disp := redisq.NewDispatcher(rdb)
	workers := redisq.NewWorkers(rdb, cfg.HeartbeatTimeout.Std())
	notifier := webhook.NewNotifier(cfg.WebhookTimeout.Std(), cfg.WebhookRetries, log)
	mgr := manager.New(rdb, store, disp, workers, notifier, log)

	return &app{
		cfg:     cfg,
		rdb:     rdb,
		log:     log,
		store:   store,
		disp:    disp,
		workers: workers,
		mgr:     mgr,
	}, nil
}

func (a *app) close() {
	_ = a.rdb.Close()
}
