// Package worker drains queues and executes jobs through device drivers.
// Two strategies exist: the general pool claims single jobs off the shared
// fifo queue; the pinned pool claims whole per-device queues under a lease,
// guaranteeing that at most one worker anywhere runs jobs for a device.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/viperbmw/netstacks-sub002/internal/cache"
	"github.com/viperbmw/netstacks-sub002/internal/models"
	"github.com/viperbmw/netstacks-sub002/internal/redisq"
	"github.com/viperbmw/netstacks-sub002/internal/webhook"
)

// Runner is one worker identity: a name registered in the worker registry,
// executing jobs on behalf of one pool.
type Runner struct {
	Name string
	Pool models.PoolType

	Store    *redisq.Store
	Disp     *redisq.Dispatcher
	Workers  *redisq.Workers
	Leases   *redisq.Leases
	Cache    *cache.Cache
	Notifier *webhook.Notifier

	DefaultTimeout    time.Duration
	HeartbeatInterval time.Duration
	// PollInterval bounds how long an idle worker waits before re-checking
	// its queue; shutdown interrupts the wait immediately.
	PollInterval time.Duration

	Log *slog.Logger
}

// Run registers the worker and drives its claim loop until ctx is
// cancelled or the worker is killed. An in-flight job always finishes or
// times out before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if r.PollInterval <= 0 {
		r.PollInterval = 250 * time.Millisecond
	}

	if err := r.Workers.Register(ctx, r.Name, r.Pool); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.Workers.Deregister(dctx, r.Name); err != nil {
			r.Log.Error("deregister failed", "worker", r.Name, "err", err)
		}
	}()

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go r.heartbeatLoop(hbCtx)

	r.Log.Info("worker started", "worker", r.Name, "pool", r.Pool)

	if r.Pool == models.PoolPinned {
		return r.runPinned(ctx)
	}
	return r.runGeneral(ctx)
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Workers.Heartbeat(ctx, r.Name); err != nil {
				r.Log.Error("heartbeat failed", "worker", r.Name, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runGeneral claims the head of the shared fifo queue. Any number of
// general workers across any number of processes race on it; the pop is
// atomic, so each job lands on exactly one of them.
func (r *Runner) runGeneral(ctx context.Context) error {
	for {
		if stop, err := r.shouldStop(ctx); stop {
			return err
		}

		jobID, err := r.Disp.ClaimGeneral(ctx)
		if err != nil {
			r.Log.Error("claim failed", "worker", r.Name, "err", err)
			if err := r.idle(ctx); err != nil {
				return err
			}
			continue
		}
		if jobID == "" {
			if err := r.idle(ctx); err != nil {
				return err
			}
			continue
		}

		r.execute(ctx, jobID)
	}
}

// shouldStop reports whether the worker must stop claiming new work,
// either from shutdown or an administrative kill.
func (r *Runner) shouldStop(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	default:
	}
	killed, err := r.Workers.Killed(ctx, r.Name)
	if err != nil {
		r.Log.Error("kill check failed", "worker", r.Name, "err", err)
		return false, nil
	}
	if killed {
		r.Log.Info("worker killed, stopping", "worker", r.Name)
		return true, nil
	}
	return false, nil
}

// idle is the cancellable wait between empty polls.
func (r *Runner) idle(ctx context.Context) error {
	select {
	case <-time.After(r.PollInterval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
