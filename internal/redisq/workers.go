package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/models"
)

// Workers is the ephemeral registry of worker processes: a last-seen ranking
// plus a short-TTL heartbeat key per worker. The recovery scan treats a
// missing heartbeat as a dead worker.
type Workers struct {
	rdb              *redis.Client
	heartbeatTimeout time.Duration
}

func NewWorkers(rdb *redis.Client, heartbeatTimeout time.Duration) *Workers {
	return &Workers{rdb: rdb, heartbeatTimeout: heartbeatTimeout}
}

// Register announces a new worker. Called once at startup.
func (w *Workers) Register(ctx context.Context, name string, pool models.PoolType) error {
	now := time.Now().Unix()
	pipe := w.rdb.TxPipeline()
	pipe.ZAdd(ctx, workersKey, redis.Z{Score: float64(now), Member: name})
	pipe.HSet(ctx, workerInfoKey(name), "pool_type", string(pool), "started_at", now)
	pipe.Set(ctx, heartbeatKey(name), now, w.heartbeatTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", name, err)
	}
	return nil
}

// Heartbeat refreshes the worker's liveness record.
func (w *Workers) Heartbeat(ctx context.Context, name string) error {
	now := time.Now().Unix()
	pipe := w.rdb.TxPipeline()
	pipe.Set(ctx, heartbeatKey(name), now, w.heartbeatTimeout)
	pipe.ZAdd(ctx, workersKey, redis.Z{Score: float64(now), Member: name})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat failed for worker %s: %w", name, err)
	}
	return nil
}

// Deregister removes a worker's records on graceful shutdown.
func (w *Workers) Deregister(ctx context.Context, name string) error {
	pipe := w.rdb.TxPipeline()
	pipe.ZRem(ctx, workersKey, name)
	pipe.Del(ctx, workerInfoKey(name), heartbeatKey(name), runningKey(name), killKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister worker %s: %w", name, err)
	}
	return nil
}

// List returns all registered workers with their pool type and last-seen
// time, most recently seen first.
func (w *Workers) List(ctx context.Context) ([]models.WorkerRegistration, error) {
	entries, err := w.rdb.ZRevRangeWithScores(ctx, workersKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	regs := make([]models.WorkerRegistration, 0, len(entries))
	for _, e := range entries {
		name := e.Member.(string)
		pool, err := w.rdb.HGet(ctx, workerInfoKey(name), "pool_type").Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read worker %s: %w", name, err)
		}
		regs = append(regs, models.WorkerRegistration{
			Name:     name,
			Pool:     models.PoolType(pool),
			LastSeen: time.Unix(int64(e.Score), 0).UTC(),
		})
	}
	return regs, nil
}

// Kill flags a worker to stop claiming new work. In-flight driver calls run
// to completion or timeout; the worker exits its claim loop afterwards.
func (w *Workers) Kill(ctx context.Context, name string) error {
	if err := w.rdb.ZScore(ctx, workersKey, name).Err(); err == redis.Nil {
		return fmt.Errorf("worker %s: %w", name, models.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to look up worker %s: %w", name, err)
	}

	if err := w.rdb.Set(ctx, killKey(name), 1, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to flag worker %s: %w", name, err)
	}
	return nil
}

// Killed reports whether the worker has been flagged to stop.
func (w *Workers) Killed(ctx context.Context, name string) (bool, error) {
	n, err := w.rdb.Exists(ctx, killKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check kill flag for %s: %w", name, err)
	}
	return n > 0, nil
}

// RunningJobs returns the ids of jobs currently claimed by the worker.
func (w *Workers) RunningJobs(ctx context.Context, name string) ([]string, error) {
	jobs, err := w.rdb.HKeys(ctx, runningKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read running jobs for %s: %w", name, err)
	}
	return jobs, nil
}

// ClearRunning removes a finished job from the worker's running hash.
func (w *Workers) ClearRunning(ctx context.Context, name, jobID string) error {
	if err := w.rdb.HDel(ctx, runningKey(name), jobID).Err(); err != nil {
		return fmt.Errorf("failed to clear running job %s: %w", jobID, err)
	}
	return nil
}

// Alive reports whether the worker's heartbeat is current. Used by the
// recovery scan; lastSeen is the heartbeat value when present.
func (w *Workers) Alive(ctx context.Context, name string) (bool, int64, error) {
	lastHB, err := w.rdb.Get(ctx, heartbeatKey(name)).Int64()
	if err == redis.Nil {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read heartbeat for %s: %w", name, err)
	}
	if time.Now().Unix()-lastHB > int64(w.heartbeatTimeout.Seconds()) {
		return false, lastHB, nil
	}
	return true, lastHB, nil
}
