// Package broadcast carries cross-process signals that must not wait for
// polling: cache invalidations travel over a Redis pub/sub channel, and a
// leased lock elects the one process that runs singleton duties (the
// scheduler tick and recovery scan).
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const poisonChannel = "netstacks:poison"

// Bus is the invalidation pub/sub channel. Every process subscribes; any
// process that poisons a cache key publishes it.
type Bus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewBus(rdb *redis.Client, log *slog.Logger) *Bus {
	return &Bus{rdb: rdb, log: log}
}

// PublishPoison announces that all cached reads for a target are invalid.
func (b *Bus) PublishPoison(ctx context.Context, target string) error {
	if err := b.rdb.Publish(ctx, poisonChannel, target).Err(); err != nil {
		return fmt.Errorf("failed to publish poison for %s: %w", target, err)
	}
	return nil
}

// Listen subscribes to poison announcements and invokes handler for each
// target until ctx is cancelled. Blocks; run it in its own goroutine.
func (b *Bus) Listen(ctx context.Context, handler func(target string)) error {
	sub := b.rdb.Subscribe(ctx, poisonChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.log.Debug("poison received", "target", msg.Payload)
			handler(msg.Payload)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Elector competes for the singleton-duty lock. The holder refreshes the
// lock while alive; every process re-attempts acquisition on a timer so a
// crashed leader is replaced within one lock TTL. A zero re-election
// interval reduces this to a single attempt at startup.
type Elector struct {
	rdb      *redis.Client
	key      string
	id       string
	ttl      time.Duration
	interval time.Duration
	log      *slog.Logger
}

func NewElector(rdb *redis.Client, id string, ttl, interval time.Duration, log *slog.Logger) *Elector {
	return &Elector{
		rdb:      rdb,
		key:      "leader:singleton",
		id:       id,
		ttl:      ttl,
		interval: interval,
		log:      log,
	}
}

var refreshLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// TryAcquire makes one non-blocking attempt at the lock.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.rdb.SetNX(ctx, e.key, e.id, e.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return ok, nil
}

// Run competes for leadership until ctx is cancelled. While this process
// holds the lock, onLead runs with a context that is cancelled the moment
// leadership is lost. Blocks; run it in its own goroutine.
func (e *Elector) Run(ctx context.Context, onLead func(ctx context.Context)) error {
	for {
		ok, err := e.TryAcquire(ctx)
		if err != nil {
			e.log.Error("leader acquisition failed", "err", err)
		}
		if ok {
			e.log.Info("elected singleton", "id", e.id)
			e.lead(ctx, onLead)
			e.log.Info("lost leadership", "id", e.id)
		}

		if e.interval <= 0 {
			// Single-attempt mode: proceed without the duty, fail-open.
			return nil
		}
		select {
		case <-time.After(e.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// lead refreshes the lock until refresh fails or ctx ends, then releases.
func (e *Elector) lead(ctx context.Context, onLead func(ctx context.Context)) {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		onLead(leadCtx)
	}()

	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			held, err := refreshLockScript.Run(ctx, e.rdb, []string{e.key}, e.id, e.ttl.Milliseconds()).Int()
			if err != nil {
				e.log.Error("leader refresh failed", "err", err)
				continue
			}
			if held != 1 {
				cancel()
				<-done
				return
			}
		case <-ctx.Done():
			cancel()
			<-done
			e.release()
			return
		}
	}
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (e *Elector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseLockScript.Run(ctx, e.rdb, []string{e.key}, e.id).Err(); err != nil && err != redis.Nil {
		e.log.Error("leader release failed", "err", err)
	}
}
