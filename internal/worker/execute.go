package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/viperbmw/netstacks-sub002/internal/cache"
	"github.com/viperbmw/netstacks-sub002/internal/driver"
	"github.com/viperbmw/netstacks-sub002/internal/metrics"
	"github.com/viperbmw/netstacks-sub002/internal/models"
)

// execute runs one claimed job end to end: running transition, optional
// cache short-circuit, driver call, terminal write, cache update or poison,
// webhook. Execution failures become the job's terminal error; nothing
// thrown here may take down the claim loop.
func (r *Runner) execute(ctx context.Context, jobID string) {
	job, err := r.Store.Get(ctx, jobID)
	if err != nil {
		r.Log.Error("claimed job unreadable", "job", jobID, "err", err)
		return
	}

	ok, err := r.Store.MarkRunning(ctx, jobID, r.Name)
	if err != nil {
		r.Log.Error("running transition failed", "job", jobID, "err", err)
		return
	}
	if !ok {
		// Another claimant won, or recovery already settled the job.
		return
	}
	metrics.RunningJobsTotal.Inc()
	defer metrics.RunningJobsTotal.Dec()
	defer func() {
		if err := r.Workers.ClearRunning(context.WithoutCancel(ctx), r.Name, jobID); err != nil {
			r.Log.Error("failed to clear running record", "job", jobID, "err", err)
		}
	}()

	r.Log.Info("job running", "job", jobID, "kind", job.Kind, "target", job.TargetKey, "worker", r.Name)

	// Read-style jobs may be served from cache without a device session.
	var fp string
	var gen int64
	if job.Kind.ReadStyle() && job.TargetKey != "" {
		fp = cache.Fingerprint(job.Kind, job.Payload)
		if value, hit, err := r.Cache.Get(ctx, job.TargetKey, fp); err == nil && hit {
			r.finish(ctx, job, value, nil, time.Now())
			return
		} else if err != nil {
			r.Log.Error("cache read failed", "job", jobID, "err", err)
		}
		// Capture the poison generation before touching the device. A
		// config write completing mid-read moves it, and the write-back
		// below is then dropped instead of resurrecting pre-write state.
		if g, err := r.Cache.Gen(ctx, job.TargetKey); err == nil {
			gen = g
		} else {
			r.Log.Error("cache generation read failed", "job", jobID, "err", err)
			fp = ""
		}
	}

	start := time.Now()
	result, execErr := r.runDriver(ctx, job)

	// Shutdown may have cancelled the worker context during the driver
	// call; the poison and terminal write still have to land.
	ctx = context.WithoutCancel(ctx)

	if execErr == nil && job.Kind.WriteStyle() && job.TargetKey != "" {
		// Poison before the terminal write so no reader can observe the
		// completed write while stale reads are still cached.
		if err := r.Cache.Poison(ctx, job.TargetKey); err != nil {
			r.Log.Error("cache poison failed", "job", jobID, "target", job.TargetKey, "err", err)
		}
	}

	wrote := r.finish(ctx, job, result, execErr, start)

	if wrote && execErr == nil && fp != "" {
		stored, err := r.Cache.Put(ctx, job.TargetKey, fp, gen, result)
		if err != nil {
			r.Log.Error("cache write failed", "job", jobID, "err", err)
		} else if !stored {
			r.Log.Debug("cache write dropped, target poisoned mid-read", "job", jobID, "target", job.TargetKey)
		}
	}
}

// finish records the terminal state and fires the webhook when this worker
// performed the transition. Returns whether the terminal write happened
// here.
func (r *Runner) finish(ctx context.Context, job *models.Job, result map[string]interface{}, execErr error, start time.Time) bool {
	// The terminal write and its webhook must not be lost to shutdown.
	ctx = context.WithoutCancel(ctx)

	duration := time.Since(start)
	metrics.JobDurationSeconds.WithLabelValues(string(job.Kind), string(r.Pool)).Observe(duration.Seconds())

	var wrote bool
	var err error
	if execErr != nil {
		wrote, err = r.Store.MarkFailed(ctx, job.ID, execErr)
	} else {
		wrote, err = r.Store.MarkComplete(ctx, job.ID, result)
	}
	if err != nil {
		r.Log.Error("terminal write failed", "job", job.ID, "err", err)
		return false
	}

	success := "true"
	if execErr != nil {
		success = "false"
		r.Log.Warn("job failed", "job", job.ID, "duration", duration, "err", execErr)
	} else {
		r.Log.Info("job complete", "job", job.ID, "duration", duration)
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), string(r.Pool), success).Inc()

	if wrote {
		if final, err := r.Store.Get(ctx, job.ID); err == nil {
			r.Notifier.Notify(final)
		}
	}
	return wrote
}

// runDriver performs the device operation for one job with a bounded
// timeout. Panics from drivers are recovered into configuration errors.
func (r *Runner) runDriver(ctx context.Context, job *models.Job) (result map[string]interface{}, execErr error) {
	timeout := r.DefaultTimeout
	if job.TimeoutMs > 0 {
		timeout = time.Duration(job.TimeoutMs) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			execErr = fmt.Errorf("%w: panic during execution: %v", models.ErrConfiguration, rec)
		}
	}()

	drv, err := driver.FromPayload(job.Payload)
	if err != nil {
		return nil, err
	}

	sess, err := drv.Connect(execCtx, job.Payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sess.Close(execCtx); err != nil {
			r.Log.Warn("disconnect failed", "job", job.ID, "err", err)
		}
	}()

	req := requestFor(job)

	var res *driver.Result
	if job.Kind == models.KindDryRun {
		res, err = sess.DryRun(execCtx, req)
	} else {
		res, err = sess.Execute(execCtx, req)
	}
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("job timeout after %v: %w", timeout, err)
		}
		return nil, err
	}

	result = map[string]interface{}{"output": res.Output}
	if res.Simulated {
		result["simulated"] = true
	}
	return result, nil
}

// requestFor maps an opaque job payload onto a driver request.
func requestFor(job *models.Job) driver.Request {
	req := driver.Request{
		Commands: driver.StringsFromPayload(job.Payload, "commands"),
		Config:   driver.StringsFromPayload(job.Payload, "config"),
	}
	if len(req.Commands) == 0 {
		req.Commands = driver.StringsFromPayload(job.Payload, "command")
	}
	if v, ok := job.Payload["enable"].(bool); ok {
		req.Enable = v
	}
	if args, ok := job.Payload["args"].(map[string]interface{}); ok {
		req.Args = args
	}

	if job.Kind == models.KindGetConfig && len(req.Commands) == 0 {
		req.Commands = []string{"show running-config"}
	}
	return req
}
