package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/cache"
	"github.com/viperbmw/netstacks-sub002/internal/driver"
	"github.com/viperbmw/netstacks-sub002/internal/driver/sim"
	"github.com/viperbmw/netstacks-sub002/internal/models"
	"github.com/viperbmw/netstacks-sub002/internal/redisq"
	"github.com/viperbmw/netstacks-sub002/internal/webhook"
)

type env struct {
	rdb     *redis.Client
	store   *redisq.Store
	disp    *redisq.Dispatcher
	workers *redisq.Workers
	leases  *redisq.Leases
	cache   *cache.Cache
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &env{
		rdb:     rdb,
		store:   redisq.NewStore(rdb),
		disp:    redisq.NewDispatcher(rdb),
		workers: redisq.NewWorkers(rdb, 10*time.Second),
		leases:  redisq.NewLeases(rdb, 10*time.Second),
		cache:   cache.New(rdb, nil, time.Hour),
	}
}

func (e *env) runner(name string, pool models.PoolType) *Runner {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Runner{
		Name:              name,
		Pool:              pool,
		Store:             e.store,
		Disp:              e.disp,
		Workers:           e.workers,
		Leases:            e.leases,
		Cache:             e.cache,
		Notifier:          webhook.NewNotifier(time.Second, 1, log),
		DefaultTimeout:    5 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		Log:               log,
	}
}

func (e *env) submit(t *testing.T, kind models.Kind, target string, strategy models.QueueStrategy, payload map[string]interface{}) string {
	t.Helper()
	ctx := context.Background()
	job := models.NewJob(kind, target, strategy, payload)
	seq, err := e.disp.NextSeq(ctx)
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	job.Seq = seq
	if err := e.store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.disp.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job.ID
}

func (e *env) waitTerminal(t *testing.T, id string, timeout time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := e.store.Get(context.Background(), id)
		if err == nil && job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := e.store.Get(context.Background(), id)
	t.Fatalf("job %s never reached a terminal state (last: %+v)", id, job)
	return nil
}

func TestGeneralWorker_RunsGetConfigJob(t *testing.T) {
	e := newTestEnv(t)
	driver.Register("sim", sim.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.runner("w-gen", models.PoolGeneral).Run(ctx)

	id := e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO,
		map[string]interface{}{"host": "r1", "command": "show version"})

	job := e.waitTerminal(t, id, 3*time.Second)
	if job.Status != models.StatusComplete {
		t.Fatalf("expected complete, got %s (%s)", job.Status, job.Error)
	}
	if job.Result == nil || job.Result["output"] == "" {
		t.Fatalf("expected non-null result, got %v", job.Result)
	}
	if job.StartedAt.IsZero() || job.CompletedAt.IsZero() {
		t.Error("latency timestamps not recorded")
	}
}

func TestGeneralWorker_FailureDoesNotKillTheLoop(t *testing.T) {
	e := newTestEnv(t)
	driver.Register("sim", sim.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.runner("w-gen", models.PoolGeneral).Run(ctx)

	bad := e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO,
		map[string]interface{}{"host": "r1", "unreachable": true})
	job := e.waitTerminal(t, bad, 3*time.Second)
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.Contains(job.Error, models.ErrDeviceConnection.Error()) {
		t.Errorf("expected connection error, got %q", job.Error)
	}

	// The same worker keeps serving jobs afterwards.
	good := e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO,
		map[string]interface{}{"host": "r1"})
	job = e.waitTerminal(t, good, 3*time.Second)
	if job.Status != models.StatusComplete {
		t.Fatalf("worker loop died after a failure: %s (%s)", job.Status, job.Error)
	}
}

// traceDriver records per-target concurrency and execution order so tests
// can assert the pinning invariant.
type traceDriver struct {
	mu     sync.Mutex
	active map[string]int
	peak   map[string]int
	order  map[string][]string
	delay  time.Duration
}

func newTraceDriver(delay time.Duration) *traceDriver {
	return &traceDriver{
		active: make(map[string]int),
		peak:   make(map[string]int),
		order:  make(map[string][]string),
		delay:  delay,
	}
}

func (d *traceDriver) Connect(ctx context.Context, payload map[string]interface{}) (driver.Session, error) {
	host, _ := payload["host"].(string)
	mark, _ := payload["mark"].(string)
	return &traceSession{d: d, host: host, mark: mark}, nil
}

type traceSession struct {
	d    *traceDriver
	host string
	mark string
}

func (s *traceSession) Execute(ctx context.Context, req driver.Request) (*driver.Result, error) {
	s.d.mu.Lock()
	s.d.active[s.host]++
	if s.d.active[s.host] > s.d.peak[s.host] {
		s.d.peak[s.host] = s.d.active[s.host]
	}
	s.d.order[s.host] = append(s.d.order[s.host], s.mark)
	s.d.mu.Unlock()

	time.Sleep(s.d.delay)

	s.d.mu.Lock()
	s.d.active[s.host]--
	s.d.mu.Unlock()
	return &driver.Result{Output: "traced " + s.mark}, nil
}

func (s *traceSession) DryRun(ctx context.Context, req driver.Request) (*driver.Result, error) {
	return &driver.Result{Output: "traced dry run", Simulated: true}, nil
}

func (s *traceSession) Close(ctx context.Context) error { return nil }

func TestPinnedWorkers_SerializePerTargetInOrder(t *testing.T) {
	e := newTestEnv(t)
	trace := newTraceDriver(20 * time.Millisecond)
	driver.Register("trace", trace)

	const perTarget = 5
	var ids []string
	var wantOrder []string
	for i := 0; i < perTarget; i++ {
		mark := fmt.Sprintf("r1-%d", i)
		wantOrder = append(wantOrder, mark)
		ids = append(ids, e.submit(t, models.KindSetConfig, "r1", models.StrategyPinned,
			map[string]interface{}{"driver": "trace", "host": "r1", "mark": mark}))
	}
	for i := 0; i < 3; i++ {
		ids = append(ids, e.submit(t, models.KindSetConfig, "r2", models.StrategyPinned,
			map[string]interface{}{"driver": "trace", "host": "r2", "mark": fmt.Sprintf("r2-%d", i)}))
	}

	// Two pinned workers compete for both targets.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.runner("w-pin-1", models.PoolPinned).Run(ctx)
	go e.runner("w-pin-2", models.PoolPinned).Run(ctx)

	for _, id := range ids {
		job := e.waitTerminal(t, id, 10*time.Second)
		if job.Status != models.StatusComplete {
			t.Fatalf("job %s: %s (%s)", id, job.Status, job.Error)
		}
	}

	trace.mu.Lock()
	defer trace.mu.Unlock()
	if trace.peak["r1"] != 1 {
		t.Errorf("pinning violated: %d concurrent executions on r1", trace.peak["r1"])
	}
	if trace.peak["r2"] != 1 {
		t.Errorf("pinning violated: %d concurrent executions on r2", trace.peak["r2"])
	}
	for i, mark := range wantOrder {
		if trace.order["r1"][i] != mark {
			t.Fatalf("r1 execution order %v, want %v", trace.order["r1"], wantOrder)
		}
	}
}

func TestWriteJobPoisonsCachedReads(t *testing.T) {
	e := newTestEnv(t)
	driver.Register("sim", sim.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.runner("w-gen", models.PoolGeneral).Run(ctx)
	go e.runner("w-pin", models.PoolPinned).Run(ctx)

	readPayload := map[string]interface{}{"host": "r1", "command": "show running-config"}

	// First read populates the cache.
	first := e.waitTerminal(t, e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO, readPayload), 3*time.Second)
	if first.Status != models.StatusComplete {
		t.Fatalf("first read: %s (%s)", first.Status, first.Error)
	}

	// A second identical read is served from cache: byte-identical output.
	second := e.waitTerminal(t, e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO, readPayload), 3*time.Second)
	if second.Result["output"] != first.Result["output"] {
		t.Fatal("identical reads before any write should agree")
	}

	// A successful config write poisons the target.
	write := e.waitTerminal(t, e.submit(t, models.KindSetConfig, "r1", models.StrategyPinned,
		map[string]interface{}{"host": "r1", "config": []string{"hostname edge-1"}}), 3*time.Second)
	if write.Status != models.StatusComplete {
		t.Fatalf("write: %s (%s)", write.Status, write.Error)
	}

	// The next read must see the new hostname, not the pre-write cache.
	third := e.waitTerminal(t, e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO, readPayload), 3*time.Second)
	out, _ := third.Result["output"].(string)
	if !strings.Contains(out, "hostname edge-1") {
		t.Fatalf("stale read served after write: %q", out)
	}
}

func TestDryRunLeavesDeviceUntouched(t *testing.T) {
	e := newTestEnv(t)
	simDrv := sim.New()
	driver.Register("sim", simDrv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.runner("w-gen", models.PoolGeneral).Run(ctx)

	dry := e.waitTerminal(t, e.submit(t, models.KindDryRun, "r1", models.StrategyFIFO,
		map[string]interface{}{"host": "r1", "config": []string{"hostname changed"}}), 3*time.Second)
	if dry.Status != models.StatusComplete {
		t.Fatalf("dry run: %s (%s)", dry.Status, dry.Error)
	}
	if dry.Result["simulated"] != true {
		t.Error("dry run result not flagged simulated")
	}

	if cfg := simDrv.RunningConfig("r1"); len(cfg) != 0 {
		t.Fatalf("dry run mutated device state: %v", cfg)
	}
}

// gateDriver blocks each Execute until released, so tests can interleave
// other operations with an in-flight device call.
type gateDriver struct {
	started chan struct{}
	release chan struct{}
	output  string
}

func newGateDriver(output string) *gateDriver {
	return &gateDriver{
		started: make(chan struct{}),
		release: make(chan struct{}),
		output:  output,
	}
}

func (d *gateDriver) Connect(ctx context.Context, payload map[string]interface{}) (driver.Session, error) {
	return &gateSession{d: d}, nil
}

type gateSession struct{ d *gateDriver }

func (s *gateSession) Execute(ctx context.Context, req driver.Request) (*driver.Result, error) {
	close(s.d.started)
	<-s.d.release
	return &driver.Result{Output: s.d.output}, nil
}

func (s *gateSession) DryRun(ctx context.Context, req driver.Request) (*driver.Result, error) {
	return &driver.Result{Output: s.d.output, Simulated: true}, nil
}

func (s *gateSession) Close(ctx context.Context) error { return nil }

// A fifo get_config legally runs concurrently with a pinned set_config on
// the same target. If the write completes while the read's device call is
// in flight, the read's result predates the write and must not land in
// the cache.
func TestReadRacingWriteDoesNotCacheStaleResult(t *testing.T) {
	e := newTestEnv(t)
	gate := newGateDriver("pre-write config")
	driver.Register("gate", gate)

	id := e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO,
		map[string]interface{}{"driver": "gate", "host": "r1"})

	r := e.runner("w-gen", models.PoolGeneral)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.execute(context.Background(), id)
	}()

	<-gate.started
	// The concurrent write completes and poisons the target.
	if err := e.cache.Poison(context.Background(), "r1"); err != nil {
		t.Fatalf("Poison: %v", err)
	}
	close(gate.release)
	<-done

	job := e.waitTerminal(t, id, 3*time.Second)
	if job.Status != models.StatusComplete {
		t.Fatalf("read job: %s (%s)", job.Status, job.Error)
	}

	fp := cache.Fingerprint(models.KindGetConfig, job.Payload)
	if _, hit, _ := e.cache.Get(context.Background(), "r1", fp); hit {
		t.Fatal("stale pre-write result served from cache")
	}
}

// Shutdown mid-job must not strand the job in running until the recovery
// scan; the terminal write lands on a context that outlives cancellation.
func TestShutdownMidJobStillWritesTerminalState(t *testing.T) {
	e := newTestEnv(t)
	gate := newGateDriver("late result")
	driver.Register("gate", gate)

	id := e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO,
		map[string]interface{}{"driver": "gate", "host": "r1"})

	ctx, cancel := context.WithCancel(context.Background())
	r := e.runner("w-gen", models.PoolGeneral)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.execute(ctx, id)
	}()

	<-gate.started
	cancel()
	close(gate.release)
	<-done

	job, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !job.Status.Terminal() {
		t.Fatalf("job stranded in %s after shutdown", job.Status)
	}
}

func TestKilledWorkerStopsClaiming(t *testing.T) {
	e := newTestEnv(t)
	driver.Register("sim", sim.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	r := e.runner("w-gen", models.PoolGeneral)
	go func() { done <- r.Run(ctx) }()

	// Wait for registration, then kill.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if killedErr := e.workers.Kill(context.Background(), "w-gen"); killedErr == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("killed worker returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("killed worker kept running")
	}

	// Work submitted afterwards stays queued.
	id := e.submit(t, models.KindGetConfig, "r1", models.StrategyFIFO,
		map[string]interface{}{"host": "r1"})
	time.Sleep(100 * time.Millisecond)
	job, _ := e.store.Get(context.Background(), id)
	if job.Status != models.StatusQueued {
		t.Fatalf("dead worker claimed a job: %s", job.Status)
	}
}
