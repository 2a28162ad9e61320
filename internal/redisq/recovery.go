package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/metrics"
	"github.com/viperbmw/netstacks-sub002/internal/models"
)

// Recovery finds workers whose heartbeat went stale and rescues the jobs
// they left behind: non-terminal jobs are requeued at their original queue
// position, jobs past their requeue budget are failed with a worker-lost
// error. Run by the elected singleton on each tick.
type Recovery struct {
	rdb         *redis.Client
	store       *Store
	workers     *Workers
	maxRequeues int
	log         *slog.Logger

	// OnTerminal is invoked for jobs the scan itself moves to a terminal
	// state, so their webhooks still fire exactly once.
	OnTerminal func(*models.Job)
}

func NewRecovery(rdb *redis.Client, store *Store, workers *Workers, log *slog.Logger) *Recovery {
	return &Recovery{
		rdb:         rdb,
		store:       store,
		workers:     workers,
		maxRequeues: 1,
		log:         log,
	}
}

// requeueScript moves a lost running job back to its queue at the original
// position, bounded by the requeue budget. Returns 1 on requeue, -1 when
// the budget is exhausted, 0 when the job is no longer running.
var requeueScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'running' then
  return 0
end
local r = tonumber(redis.call('HGET', KEYS[1], 'requeues') or '0')
if r >= tonumber(ARGV[3]) then
  return -1
end
redis.call('HSET', KEYS[1], 'status', 'queued', 'requeues', r + 1)
redis.call('HDEL', KEYS[1], 'worker', 'started_at')
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
if ARGV[4] ~= '' then
  redis.call('SADD', KEYS[3], ARGV[4])
end
return 1
`)

// Scan sweeps all running-job trackers for stale workers. Returns how many
// jobs were requeued and how many were failed.
func (r *Recovery) Scan(ctx context.Context) (requeued, failed int, err error) {
	iter := r.rdb.Scan(ctx, 0, "running:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		worker := strings.TrimPrefix(key, "running:")

		alive, lastHB, err := r.workers.Alive(ctx, worker)
		if err != nil {
			r.log.Error("recovery heartbeat check failed", "worker", worker, "err", err)
			continue
		}
		if alive {
			continue
		}
		r.log.Warn("worker heartbeat stale", "worker", worker, "last_heartbeat", lastHB)

		jobs, err := r.rdb.HKeys(ctx, key).Result()
		if err != nil {
			r.log.Error("recovery failed to read running jobs", "worker", worker, "err", err)
			continue
		}

		for _, jobID := range jobs {
			rq, fl := r.rescue(ctx, jobID)
			requeued += rq
			failed += fl
		}

		// Cleanup stale worker data
		pipe := r.rdb.TxPipeline()
		pipe.Del(ctx, key, heartbeatKey(worker), workerInfoKey(worker))
		pipe.ZRem(ctx, workersKey, worker)
		if _, err := pipe.Exec(ctx); err != nil {
			r.log.Error("recovery cleanup failed", "worker", worker, "err", err)
			continue
		}
		metrics.RecoveryEventsTotal.Inc()
		r.log.Info("cleaned up stale worker", "worker", worker)
	}
	if err := iter.Err(); err != nil {
		return requeued, failed, fmt.Errorf("failed to scan running jobs: %w", err)
	}
	return requeued, failed, nil
}

// rescue requeues or fails one orphaned job.
func (r *Recovery) rescue(ctx context.Context, jobID string) (requeued, failed int) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		r.log.Error("recovery failed to load job", "job", jobID, "err", err)
		return 0, 0
	}
	if job.Status.Terminal() {
		return 0, 0
	}

	queue := fifoQueueKey
	target := ""
	if job.Strategy == models.StrategyPinned {
		queue = pinnedQueueKey(job.TargetKey)
		target = job.TargetKey
	}

	res, err := requeueScript.Run(ctx, r.rdb,
		[]string{jobKey(jobID), queue, pinnedTargetsKey},
		job.Seq, jobID, r.maxRequeues, target,
	).Int()
	if err != nil {
		r.log.Error("recovery requeue failed", "job", jobID, "err", err)
		return 0, 0
	}

	switch res {
	case 1:
		metrics.JobsRequeuedTotal.Inc()
		r.log.Info("requeued orphaned job", "job", jobID, "queue", queue)
		return 1, 0
	case -1:
		wrote, err := r.store.MarkFailed(ctx, jobID, fmt.Errorf("%w: requeue budget exhausted", models.ErrWorkerLost))
		if err != nil {
			r.log.Error("recovery failed to mark job lost", "job", jobID, "err", err)
			return 0, 0
		}
		if wrote && r.OnTerminal != nil {
			if final, err := r.store.Get(ctx, jobID); err == nil {
				r.OnTerminal(final)
			}
		}
		r.log.Warn("job failed after worker loss", "job", jobID)
		return 0, 1
	default:
		// Job finished or was rescued concurrently.
		return 0, 0
	}
}
