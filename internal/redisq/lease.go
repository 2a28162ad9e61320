package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leases implement the single-active-writer-per-device invariant across
// processes: a pinned worker claims a target's queue as a whole by writing
// a time-bounded ownership record, refreshes it while draining, and
// releases it when done. If the holder disappears, the record expires and
// another worker may take over.
type Leases struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLeases(rdb *redis.Client, ttl time.Duration) *Leases {
	return &Leases{rdb: rdb, ttl: ttl}
}

// TTL returns the lease duration; holders refresh well inside it.
func (l *Leases) TTL() time.Duration { return l.ttl }

// refreshLeaseScript extends the lease only while the caller still owns it.
var refreshLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseLeaseScript drops the lease only if the caller still owns it.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Acquire attempts to take the lease for a target. Returns false if another
// worker holds it.
func (l *Leases) Acquire(ctx context.Context, target, owner string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, leaseKey(target), owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for %s: %w", target, err)
	}
	return ok, nil
}

// Refresh extends the lease mid-drain. Returns false if the lease expired
// or was taken over; the caller must stop running jobs for the target.
func (l *Leases) Refresh(ctx context.Context, target, owner string) (bool, error) {
	res, err := refreshLeaseScript.Run(ctx, l.rdb,
		[]string{leaseKey(target)},
		owner, l.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lease for %s: %w", target, err)
	}
	return res == 1, nil
}

// Release drops the lease if still held by owner. Expired leases release
// themselves; this is the graceful path.
func (l *Leases) Release(ctx context.Context, target, owner string) error {
	if err := releaseLeaseScript.Run(ctx, l.rdb, []string{leaseKey(target)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lease for %s: %w", target, err)
	}
	return nil
}

// Holder returns the current lease owner for a target, or "" if unleased.
func (l *Leases) Holder(ctx context.Context, target string) (string, error) {
	owner, err := l.rdb.Get(ctx, leaseKey(target)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease for %s: %w", target, err)
	}
	return owner, nil
}
