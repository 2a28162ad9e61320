package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/models"
)

// Store is the durable record of job state. The job's immutable inputs live
// as a JSON payload field on a job:<id> hash; mutable fields (status,
// result, error, timestamps) are separate hash fields so transitions touch
// only what they own.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// claimScript moves a job from queued to running and records it on the
// claiming worker's running hash. Guarded so concurrent claimants yield
// exactly one winner.
var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'queued' then
  redis.call('HSET', KEYS[1], 'status', 'running', 'started_at', ARGV[1], 'worker', ARGV[2])
  redis.call('HSET', KEYS[2], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

// terminalScript writes a terminal state exactly once. ARGV[1] is the
// status, ARGV[2] the completion time, ARGV[3] the result JSON (may be
// empty), ARGV[4] the error string (may be empty).
var terminalScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == 'complete' or cur == 'failed' or cur == false then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'completed_at', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'result', ARGV[3])
end
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'error', ARGV[4])
end
return 1
`)

// Create persists a new queued job. The caller enqueues it afterwards; the
// job must be visible in the store before submit returns.
func (s *Store) Create(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = s.rdb.HSet(ctx, jobKey(job.ID), map[string]interface{}{
		"payload":    string(payload),
		"status":     string(models.StatusQueued),
		"created_at": job.CreatedAt.UnixMilli(),
		"seq":        job.Seq,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to store job data: %w", err)
	}
	return nil
}

// Get reads a job, overlaying the mutable hash fields over the stored
// payload. Returns models.ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	data, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job data: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return jobFromHash(id, data)
}

func jobFromHash(id string, data map[string]string) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(data["payload"]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}

	job.Status = models.Status(data["status"])
	job.Error = data["error"]
	if raw := data["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result for job %s: %w", id, err)
		}
	}
	if v := data["seq"]; v != "" {
		job.Seq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := data["requeues"]; v != "" {
		job.Requeues, _ = strconv.Atoi(v)
	}
	if v := data["started_at"]; v != "" {
		ms, _ := strconv.ParseInt(v, 10, 64)
		job.StartedAt = time.UnixMilli(ms).UTC()
	}
	if v := data["completed_at"]; v != "" {
		ms, _ := strconv.ParseInt(v, 10, 64)
		job.CompletedAt = time.UnixMilli(ms).UTC()
	}
	return &job, nil
}

// List returns a snapshot of jobs, optionally filtered by target key. No
// consistency guarantee beyond "as of now".
func (s *Store) List(ctx context.Context, target string) ([]*models.Job, error) {
	var jobs []*models.Job
	iter := s.rdb.Scan(ctx, 0, "job:*", 100).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len("job:"):]
		job, err := s.Get(ctx, id)
		if err != nil {
			continue // deleted between scan and fetch
		}
		if target != "" && job.TargetKey != target {
			continue
		}
		jobs = append(jobs, job)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %w", err)
	}
	return jobs, nil
}

// MarkRunning claims the job for the given worker. Returns false if another
// worker already holds it or it is no longer queued.
func (s *Store) MarkRunning(ctx context.Context, id, worker string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{jobKey(id), runningKey(worker)},
		now, worker, id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	return res == 1, nil
}

// MarkComplete writes the terminal complete state with its result. Returns
// false if the job already reached a terminal state.
func (s *Store) MarkComplete(ctx context.Context, id string, result map[string]interface{}) (bool, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal result: %w", err)
	}
	return s.markTerminal(ctx, id, models.StatusComplete, string(raw), "")
}

// MarkFailed writes the terminal failed state with its error.
func (s *Store) MarkFailed(ctx context.Context, id string, jobErr error) (bool, error) {
	msg := "job failed"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return s.markTerminal(ctx, id, models.StatusFailed, "", msg)
}

func (s *Store) markTerminal(ctx context.Context, id string, status models.Status, result, errMsg string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := terminalScript.Run(ctx, s.rdb,
		[]string{jobKey(id)},
		string(status), now, result, errMsg,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to finalize job %s: %w", id, err)
	}
	return res == 1, nil
}
