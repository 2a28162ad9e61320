package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/viperbmw/netstacks-sub002/internal/broadcast"
	"github.com/viperbmw/netstacks-sub002/internal/cache"
	"github.com/viperbmw/netstacks-sub002/internal/driver"
	"github.com/viperbmw/netstacks-sub002/internal/driver/script"
	"github.com/viperbmw/netstacks-sub002/internal/driver/sim"
	"github.com/viperbmw/netstacks-sub002/internal/metrics"
	"github.com/viperbmw/netstacks-sub002/internal/models"
	"github.com/viperbmw/netstacks-sub002/internal/redisq"
	"github.com/viperbmw/netstacks-sub002/internal/webhook"
	"github.com/viperbmw/netstacks-sub002/internal/worker"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run worker pools, the broadcast listener and singleton duties",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorkerProcess(ctx)
		},
	}
}

func runWorkerProcess(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	metrics.Register()
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		a.log.Info("metrics server started", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			a.log.Error("metrics server failed", "err", err)
		}
	}()

	driver.Register("sim", simDriver())
	driver.Register("script", script.New())

	bus := broadcast.NewBus(a.rdb, a.log)
	resultCache := cache.New(a.rdb, bus, cfg.CacheTTL.Std())
	notifier := webhook.NewNotifier(cfg.WebhookTimeout.Std(), cfg.WebhookRetries, a.log)
	leases := redisq.NewLeases(a.rdb, cfg.LeaseTTL.Std())

	var wg sync.WaitGroup

	// Every process applies peer poisons to its local cache view.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bus.Listen(ctx, resultCache.Invalidate); err != nil && ctx.Err() == nil {
			a.log.Error("broadcast listener stopped", "err", err)
		}
	}()

	// Singleton duties run only on the elected process: the schedule tick
	// and the lease-recovery scan.
	recovery := redisq.NewRecovery(a.rdb, a.store, a.workers, a.log)
	recovery.OnTerminal = notifier.Notify
	elector := broadcast.NewElector(a.rdb, models.WorkerName("leader"), cfg.LeaderTTL.Std(), cfg.ReelectInterval.Std(), a.log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = elector.Run(ctx, func(leadCtx context.Context) {
			go func() {
				_ = a.mgr.Scheduler().Run(leadCtx, cfg.SchedulerTick.Std())
			}()
			ticker := time.NewTicker(cfg.SchedulerTick.Std())
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, _, err := recovery.Scan(leadCtx); err != nil {
						a.log.Error("recovery scan failed", "err", err)
					}
				case <-leadCtx.Done():
					return
				}
			}
		})
	}()

	// Gauge sampler: queue depths and the worker headcount.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.HeartbeatInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				worker.SampleQueueGauges(ctx, a.disp, a.workers)
			case <-ctx.Done():
				return
			}
		}
	}()

	startPool := func(pool models.PoolType, count int) {
		for i := 0; i < count; i++ {
			r := &worker.Runner{
				Name:              models.WorkerName(pool),
				Pool:              pool,
				Store:             a.store,
				Disp:              a.disp,
				Workers:           a.workers,
				Leases:            leases,
				Cache:             resultCache,
				Notifier:          notifier,
				DefaultTimeout:    cfg.DefaultJobTimeout.Std(),
				HeartbeatInterval: cfg.HeartbeatInterval.Std(),
				Log:               a.log,
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := r.Run(ctx); err != nil && ctx.Err() == nil {
					a.log.Error("worker exited", "worker", r.Name, "err", err)
				}
			}()
		}
	}
	startPool(models.PoolGeneral, cfg.GeneralWorkers)
	startPool(models.PoolPinned, cfg.PinnedWorkers)

	a.log.Info("worker process up",
		"general", cfg.GeneralWorkers, "pinned", cfg.PinnedWorkers, "redis", cfg.RedisAddr)

	<-ctx.Done()
	a.log.Info("shutting down")
	wg.Wait()
	return nil
}

func simDriver() *sim.Driver {
	d := sim.New()
	d.Jitter = 50 * time.Millisecond
	return d
}
