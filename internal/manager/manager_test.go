package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/models"
	"github.com/viperbmw/netstacks-sub002/internal/redisq"
	"github.com/viperbmw/netstacks-sub002/internal/webhook"
)

type env struct {
	mgr     *Manager
	store   *redisq.Store
	disp    *redisq.Dispatcher
	workers *redisq.Workers
}

func newTestManager(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := redisq.NewStore(rdb)
	disp := redisq.NewDispatcher(rdb)
	workers := redisq.NewWorkers(rdb, 10*time.Second)
	notifier := webhook.NewNotifier(time.Second, 1, log)

	return &env{
		mgr:     New(rdb, store, disp, workers, notifier, log),
		store:   store,
		disp:    disp,
		workers: workers,
	}
}

func TestSubmit_RejectsMalformedRequests(t *testing.T) {
	e := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown kind", SubmitRequest{Kind: "reboot_the_internet"}},
		{"unknown strategy", SubmitRequest{Kind: models.KindGetConfig, Strategy: "lifo"}},
		{"pinned without target", SubmitRequest{Kind: models.KindSetConfig, Strategy: models.StrategyPinned}},
	}
	for _, tc := range cases {
		_, err := e.mgr.Submit(ctx, tc.req)
		if !errors.Is(err, models.ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", tc.name, err)
		}
	}

	// Nothing was created for rejected submissions.
	jobs, _ := e.mgr.List(ctx, "")
	if len(jobs) != 0 {
		t.Errorf("rejected submission left %d jobs behind", len(jobs))
	}
}

func TestSubmit_JobIsQueuedBeforeReturn(t *testing.T) {
	e := newTestManager(t)
	ctx := context.Background()

	id, err := e.mgr.Submit(ctx, SubmitRequest{
		Kind:      models.KindGetConfig,
		TargetKey: "r1",
		Strategy:  models.StrategyFIFO,
		Payload:   map[string]interface{}{"command": "show version"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := e.mgr.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if job.Status != models.StatusQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}
	if depth, _ := e.disp.QueueDepth(ctx, ""); depth != 1 {
		t.Errorf("expected fifo depth 1, got %d", depth)
	}
}

func TestSubmit_PinnedJobLandsOnTargetQueue(t *testing.T) {
	e := newTestManager(t)
	ctx := context.Background()

	_, err := e.mgr.Submit(ctx, SubmitRequest{
		Kind:      models.KindSetConfig,
		TargetKey: "r1",
		Strategy:  models.StrategyPinned,
		Payload:   map[string]interface{}{"config": []string{"hostname x"}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if depth, _ := e.disp.QueueDepth(ctx, "r1"); depth != 1 {
		t.Errorf("expected r1 depth 1, got %d", depth)
	}
	if depth, _ := e.disp.QueueDepth(ctx, ""); depth != 0 {
		t.Errorf("pinned job leaked onto fifo queue")
	}
}

func TestFetch_UnknownJobIsNotFound(t *testing.T) {
	e := newTestManager(t)
	_, err := e.mgr.Fetch(context.Background(), "no-such-id")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKillWorker_FailsInFlightJob(t *testing.T) {
	e := newTestManager(t)
	ctx := context.Background()

	id, _ := e.mgr.Submit(ctx, SubmitRequest{
		Kind:      models.KindSetConfig,
		TargetKey: "r1",
		Strategy:  models.StrategyPinned,
		Payload:   map[string]interface{}{"config": []string{"hostname x"}},
	})

	e.workers.Register(ctx, "w1", models.PoolPinned)
	e.disp.ClaimPinned(ctx, "r1")
	if ok, _ := e.store.MarkRunning(ctx, id, "w1"); !ok {
		t.Fatal("claim failed")
	}

	if err := e.mgr.KillWorker(ctx, "w1"); err != nil {
		t.Fatalf("KillWorker: %v", err)
	}

	job, _ := e.mgr.Fetch(ctx, id)
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed after kill, got %s", job.Status)
	}
	if !strings.Contains(job.Error, models.ErrWorkerLost.Error()) {
		t.Errorf("expected worker-lost error, got %q", job.Error)
	}

	if killed, _ := e.workers.Killed(ctx, "w1"); !killed {
		t.Error("kill flag not set")
	}
}

func TestKillWorker_UnknownWorker(t *testing.T) {
	e := newTestManager(t)
	err := e.mgr.KillWorker(context.Background(), "ghost")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKillWorker_FinishedJobKeepsItsResult(t *testing.T) {
	e := newTestManager(t)
	ctx := context.Background()

	id, _ := e.mgr.Submit(ctx, SubmitRequest{
		Kind:     models.KindGetConfig,
		Strategy: models.StrategyFIFO,
		Payload:  map[string]interface{}{"host": "r1"},
	})

	e.workers.Register(ctx, "w1", models.PoolGeneral)
	e.disp.ClaimGeneral(ctx)
	e.store.MarkRunning(ctx, id, "w1")
	// The driver call finishes just before the kill lands.
	e.store.MarkComplete(ctx, id, map[string]interface{}{"output": "done"})

	if err := e.mgr.KillWorker(ctx, "w1"); err != nil {
		t.Fatalf("KillWorker: %v", err)
	}

	job, _ := e.mgr.Fetch(ctx, id)
	if job.Status != models.StatusComplete {
		t.Fatalf("kill overwrote a completed job: %s", job.Status)
	}
}
