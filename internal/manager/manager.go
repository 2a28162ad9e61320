// Package manager is the single entry point API callers use: submit and
// fetch jobs, list workers, kill a worker, administer schedules. Submission
// is non-blocking; callers poll fetch or attach a webhook.
package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/metrics"
	"github.com/viperbmw/netstacks-sub002/internal/models"
	"github.com/viperbmw/netstacks-sub002/internal/redisq"
	"github.com/viperbmw/netstacks-sub002/internal/scheduler"
	"github.com/viperbmw/netstacks-sub002/internal/webhook"
)

// SubmitRequest is the conceptual submission payload, transport-agnostic.
type SubmitRequest struct {
	Kind      models.Kind            `json:"kind"`
	TargetKey string                 `json:"target_key,omitempty"`
	Strategy  models.QueueStrategy   `json:"queue_strategy"`
	Payload   map[string]interface{} `json:"payload"`
	TimeoutMs int                    `json:"timeout_ms,omitempty"`
	Webhook   *models.Webhook        `json:"webhook,omitempty"`
}

type Manager struct {
	store    *redisq.Store
	disp     *redisq.Dispatcher
	workers  *redisq.Workers
	notifier *webhook.Notifier
	sched    *scheduler.Scheduler
	log      *slog.Logger
}

func New(rdb *redis.Client, store *redisq.Store, disp *redisq.Dispatcher, workers *redisq.Workers, notifier *webhook.Notifier, log *slog.Logger) *Manager {
	m := &Manager{
		store:    store,
		disp:     disp,
		workers:  workers,
		notifier: notifier,
		log:      log,
	}
	m.sched = scheduler.New(rdb, submitAdapter{m}, log)
	return m
}

// Scheduler exposes the schedule admin and tick surface.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// Submit validates the request, persists a queued job and enqueues it.
// The job is visible in the store before Submit returns.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", models.ErrInvalidRequest, req.Kind)
	}
	if req.Strategy == "" {
		req.Strategy = models.StrategyFIFO
	}
	if !req.Strategy.Valid() {
		return "", fmt.Errorf("%w: unknown queue strategy %q", models.ErrInvalidRequest, req.Strategy)
	}
	if req.Strategy == models.StrategyPinned && req.TargetKey == "" {
		return "", fmt.Errorf("%w: pinned strategy requires target_key", models.ErrInvalidRequest)
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}

	job := models.NewJob(req.Kind, req.TargetKey, req.Strategy, req.Payload)
	job.TimeoutMs = req.TimeoutMs
	job.Webhook = req.Webhook

	seq, err := m.disp.NextSeq(ctx)
	if err != nil {
		return "", err
	}
	job.Seq = seq

	if err := m.store.Create(ctx, job); err != nil {
		return "", err
	}
	if err := m.disp.Enqueue(ctx, job); err != nil {
		return "", err
	}

	metrics.JobsSubmittedTotal.WithLabelValues(string(job.Kind), string(job.Strategy)).Inc()
	m.log.Info("job submitted", "job", job.ID, "kind", job.Kind, "strategy", job.Strategy, "target", job.TargetKey)
	return job.ID, nil
}

// Fetch returns one job by id.
func (m *Manager) Fetch(ctx context.Context, id string) (*models.Job, error) {
	return m.store.Get(ctx, id)
}

// List returns a snapshot of jobs, optionally filtered by target key.
func (m *Manager) List(ctx context.Context, target string) ([]*models.Job, error) {
	return m.store.List(ctx, target)
}

// ListWorkers returns the current worker registrations.
func (m *Manager) ListWorkers(ctx context.Context) ([]models.WorkerRegistration, error) {
	return m.workers.List(ctx)
}

// KillWorker flags a worker to stop claiming work and fails its in-flight
// jobs with a worker-lost error. The worker's current driver call still
// runs to completion or timeout; if it finishes first, its own terminal
// write wins and this mark is a no-op.
func (m *Manager) KillWorker(ctx context.Context, name string) error {
	if err := m.workers.Kill(ctx, name); err != nil {
		return err
	}

	inflight, err := m.workers.RunningJobs(ctx, name)
	if err != nil {
		return err
	}
	for _, jobID := range inflight {
		wrote, err := m.store.MarkFailed(ctx, jobID, fmt.Errorf("%w: worker %s killed", models.ErrWorkerLost, name))
		if err != nil {
			m.log.Error("failed to fail in-flight job", "job", jobID, "worker", name, "err", err)
			continue
		}
		if wrote {
			if final, err := m.store.Get(ctx, jobID); err == nil {
				m.notifier.Notify(final)
			}
			m.log.Warn("in-flight job failed by kill", "job", jobID, "worker", name)
		}
	}
	return nil
}

// submitAdapter lets the scheduler submit derived jobs through the same
// validation path as API callers.
type submitAdapter struct{ m *Manager }

func (a submitAdapter) Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error) {
	return a.m.Submit(ctx, SubmitRequest{
		Kind:      req.Kind,
		TargetKey: req.TargetKey,
		Strategy:  req.Strategy,
		Payload:   req.Payload,
		Webhook:   req.Webhook,
	})
}
