package redisq

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func submitTestJob(t *testing.T, store *Store, disp *Dispatcher, kind models.Kind, target string, strategy models.QueueStrategy) *models.Job {
	t.Helper()
	ctx := context.Background()

	job := models.NewJob(kind, target, strategy, map[string]interface{}{"host": target})
	seq, err := disp.NextSeq(ctx)
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	job.Seq = seq
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := disp.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}
