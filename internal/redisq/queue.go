package redisq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/models"
)

// Dispatcher routes newly-submitted jobs to the shared fifo queue or to a
// per-target pinned queue. Queues are sorted sets scored by the global
// submission sequence, so ZPopMin is both a strict-FIFO pop and an atomic
// claim: exactly one worker receives a given member.
type Dispatcher struct {
	rdb *redis.Client
}

func NewDispatcher(rdb *redis.Client) *Dispatcher {
	return &Dispatcher{rdb: rdb}
}

// releaseTargetScript drops a drained pinned queue from the membership set.
// Runs atomically so an enqueue cannot slip between the emptiness check and
// the removal.
var releaseTargetScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// NextSeq reserves the next global submission sequence number.
func (d *Dispatcher) NextSeq(ctx context.Context) (int64, error) {
	seq, err := d.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve sequence: %w", err)
	}
	return seq, nil
}

// Enqueue places an already-stored job on its queue. Pinned jobs also join
// the pinned-targets membership set; the pipeline is transactional so the
// queue and the set never disagree.
func (d *Dispatcher) Enqueue(ctx context.Context, job *models.Job) error {
	score := float64(job.Seq)

	pipe := d.rdb.TxPipeline()
	switch job.Strategy {
	case models.StrategyPinned:
		pipe.ZAdd(ctx, pinnedQueueKey(job.TargetKey), redis.Z{Score: score, Member: job.ID})
		pipe.SAdd(ctx, pinnedTargetsKey, job.TargetKey)
	default:
		pipe.ZAdd(ctx, fifoQueueKey, redis.Z{Score: score, Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimGeneral pops the head of the shared fifo queue. Returns "" when the
// queue is empty.
func (d *Dispatcher) ClaimGeneral(ctx context.Context) (string, error) {
	return d.pop(ctx, fifoQueueKey)
}

// ClaimPinned pops the head of one target's pinned queue. The caller must
// hold that target's lease.
func (d *Dispatcher) ClaimPinned(ctx context.Context, target string) (string, error) {
	return d.pop(ctx, pinnedQueueKey(target))
}

func (d *Dispatcher) pop(ctx context.Context, queue string) (string, error) {
	zres, err := d.rdb.ZPopMin(ctx, queue, 1).Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("failed to pop from queue %s: %w", queue, err)
	}
	if len(zres) == 0 {
		return "", nil
	}
	return zres[0].Member.(string), nil
}

// PinnedTargets lists targets that currently have (or recently had) a
// pinned queue.
func (d *Dispatcher) PinnedTargets(ctx context.Context) ([]string, error) {
	targets, err := d.rdb.SMembers(ctx, pinnedTargetsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pinned targets: %w", err)
	}
	return targets, nil
}

// ReleaseTarget removes a drained target from the membership set. Returns
// false if new work arrived in the meantime.
func (d *Dispatcher) ReleaseTarget(ctx context.Context, target string) (bool, error) {
	res, err := releaseTargetScript.Run(ctx, d.rdb,
		[]string{pinnedQueueKey(target), pinnedTargetsKey},
		target,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release target %s: %w", target, err)
	}
	return res == 1, nil
}

// QueueDepth reports the number of waiting jobs on the fifo queue or a
// pinned target's queue.
func (d *Dispatcher) QueueDepth(ctx context.Context, target string) (int64, error) {
	queue := fifoQueueKey
	if target != "" {
		queue = pinnedQueueKey(target)
	}
	n, err := d.rdb.ZCard(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", queue, err)
	}
	return n, nil
}
