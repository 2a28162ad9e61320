// Package redisq holds the Redis-backed job store, queues, leases and
// worker registry. All cross-process coordination goes through these keys;
// nothing in the engine shares memory between processes.
package redisq

const (
	seqKey           = "seq:jobs"        // counter: global submission order
	fifoQueueKey     = "queue:fifo"      // zset: score=seq, member=job_id
	pinnedTargetsKey = "targets:pinned"  // set: targets with live pinned queues
	workersKey       = "workers:active"  // zset: score=last_seen_unix, member=name
)

func jobKey(id string) string          { return "job:" + id }
func pinnedQueueKey(t string) string   { return "queue:pinned:" + t }
func leaseKey(t string) string         { return "lease:pinned:" + t }
func runningKey(worker string) string  { return "running:" + worker }
func heartbeatKey(w string) string     { return "heartbeat:" + w }
func workerInfoKey(w string) string    { return "worker:" + w }
func killKey(w string) string          { return "kill:" + w }
