package worker

import (
	"context"
	"time"
)

// runPinned scans for targets with pending pinned queues, claims one
// target's queue as a whole via its lease, and drains it in submission
// order before releasing. Per-job locking would leave a window between
// claim and execute; holding the lease at queue granularity does not.
func (r *Runner) runPinned(ctx context.Context) error {
	for {
		if stop, err := r.shouldStop(ctx); stop {
			return err
		}

		targets, err := r.Disp.PinnedTargets(ctx)
		if err != nil {
			r.Log.Error("pinned target scan failed", "worker", r.Name, "err", err)
			if err := r.idle(ctx); err != nil {
				return err
			}
			continue
		}

		claimed := false
		for _, target := range targets {
			ok, err := r.Leases.Acquire(ctx, target, r.Name)
			if err != nil {
				r.Log.Error("lease acquire failed", "target", target, "err", err)
				continue
			}
			if !ok {
				continue // another worker owns this device
			}
			claimed = true
			r.drainTarget(ctx, target)

			if stop, err := r.shouldStop(ctx); stop {
				return err
			}
		}

		if !claimed {
			if err := r.idle(ctx); err != nil {
				return err
			}
		}
	}
}

// drainTarget runs one target's queue to empty while holding its lease.
// The lease is refreshed in the background; if refresh ever fails the
// drain context is cancelled so no job for the target runs without
// ownership.
func (r *Runner) drainTarget(ctx context.Context, target string) {
	defer func() {
		if err := r.Leases.Release(ctx, target, r.Name); err != nil {
			r.Log.Error("lease release failed", "target", target, "err", err)
		}
	}()

	drainCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.refreshLease(drainCtx, target, cancel)

	r.Log.Info("claimed pinned queue", "worker", r.Name, "target", target)

	for {
		select {
		case <-drainCtx.Done():
			return
		default:
		}
		if killed, err := r.Workers.Killed(drainCtx, r.Name); err == nil && killed {
			return
		}

		jobID, err := r.Disp.ClaimPinned(drainCtx, target)
		if err != nil {
			r.Log.Error("pinned claim failed", "target", target, "err", err)
			return
		}
		if jobID == "" {
			// Drained. Dispose of the queue unless new work raced in.
			if released, err := r.Disp.ReleaseTarget(drainCtx, target); err == nil && released {
				r.Log.Debug("pinned queue drained", "target", target)
				return
			}
			continue
		}

		r.execute(drainCtx, jobID)
	}
}

func (r *Runner) refreshLease(ctx context.Context, target string, lost context.CancelFunc) {
	interval := r.Leases.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			held, err := r.Leases.Refresh(ctx, target, r.Name)
			if err != nil {
				r.Log.Error("lease refresh failed", "target", target, "err", err)
				continue
			}
			if !held {
				r.Log.Warn("lease lost mid-drain", "worker", r.Name, "target", target)
				lost()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
