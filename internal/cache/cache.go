// Package cache memoizes read-style job results per device. The store of
// record is Redis, shared by all processes; each process fronts it with a
// small LRU view. Coherence rule: a successful config write poisons every
// fingerprint under its target, everywhere, before the write's result is
// visible to callers.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/broadcast"
	"github.com/viperbmw/netstacks-sub002/internal/metrics"
	"github.com/viperbmw/netstacks-sub002/internal/models"
)

const localEntries = 512

// Cache is a read-through result cache with explicit whole-target
// invalidation.
type Cache struct {
	rdb *redis.Client
	bus *broadcast.Bus
	ttl time.Duration

	mu    sync.Mutex
	local *lru.Cache
	// gen versions each target's local entries; a poison bumps the
	// generation so stale local entries become unreachable immediately,
	// without enumerating the LRU.
	gen map[string]uint64
}

func New(rdb *redis.Client, bus *broadcast.Bus, ttl time.Duration) *Cache {
	return &Cache{
		rdb:   rdb,
		bus:   bus,
		ttl:   ttl,
		local: lru.New(localEntries),
		gen:   make(map[string]uint64),
	}
}

// Fingerprint derives the cache index for one read operation's parameters.
// encoding/json writes map keys in sorted order, so equal payloads hash
// equally regardless of construction order.
func Fingerprint(kind models.Kind, payload map[string]interface{}) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(append([]byte(kind+":"), raw...))
	return hex.EncodeToString(sum[:])
}

func cacheKey(target, fp string) string { return "cache:" + target + ":" + fp }
func indexKey(target string) string     { return "cacheidx:" + target }
func genKey(target string) string       { return "poison-gen:" + target }

// putScript is a guarded cache write: the value lands only while the
// target's poison generation still equals the one the reader captured
// before touching the device.
var putScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[3])
return 1
`)

func (c *Cache) localKey(target, fp string) string {
	return fmt.Sprintf("%s@%d|%s", target, c.gen[target], fp)
}

// Get returns the cached result for (target, fingerprint), if present and
// not poisoned.
func (c *Cache) Get(ctx context.Context, target, fp string) (map[string]interface{}, bool, error) {
	c.mu.Lock()
	if v, ok := c.local.Get(lru.Key(c.localKey(target, fp))); ok {
		c.mu.Unlock()
		metrics.CacheHitsTotal.Inc()
		return v.(map[string]interface{}), true, nil
	}
	c.mu.Unlock()

	raw, err := c.rdb.Get(ctx, cacheKey(target, fp)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache for %s: %w", target, err)
	}

	var value map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry for %s: %w", target, err)
	}

	c.mu.Lock()
	c.local.Add(lru.Key(c.localKey(target, fp)), value)
	c.mu.Unlock()
	metrics.CacheHitsTotal.Inc()
	return value, true, nil
}

// Gen reads the target's current poison generation. Readers capture it
// before the device read and hand it back to Put.
func (c *Cache) Gen(ctx context.Context, target string) (int64, error) {
	gen, err := c.rdb.Get(ctx, genKey(target)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read poison generation for %s: %w", target, err)
	}
	return gen, nil
}

// Put stores a successful read result under (target, fingerprint). The
// write lands only if the target's poison generation still matches gen:
// a read result computed before a config write completed must not outlive
// that write's poison. Returns whether the value was stored.
func (c *Cache) Put(ctx context.Context, target, fp string, gen int64, value map[string]interface{}) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal cache value: %w", err)
	}

	res, err := putScript.Run(ctx, c.rdb,
		[]string{genKey(target), cacheKey(target, fp), indexKey(target)},
		gen, raw, c.ttl.Milliseconds(), fp,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write cache for %s: %w", target, err)
	}
	if res != 1 {
		return false, nil
	}

	c.mu.Lock()
	c.local.Add(lru.Key(c.localKey(target, fp)), value)
	c.mu.Unlock()
	return true, nil
}

// Poison invalidates every fingerprint under target in the shared store,
// bumps the target's poison generation so in-flight reads cannot write
// back pre-write results, drops the local view, and broadcasts so peer
// processes drop theirs. Called after any successful write-style job on
// the target.
func (c *Cache) Poison(ctx context.Context, target string) error {
	fps, err := c.rdb.SMembers(ctx, indexKey(target)).Result()
	if err != nil {
		return fmt.Errorf("failed to read cache index for %s: %w", target, err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, genKey(target))
	for _, fp := range fps {
		pipe.Del(ctx, cacheKey(target, fp))
	}
	pipe.Del(ctx, indexKey(target))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to poison cache for %s: %w", target, err)
	}

	c.Invalidate(target)
	metrics.CachePoisonsTotal.Inc()

	if c.bus != nil {
		if err := c.bus.PublishPoison(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops the local view of one target. Wired as the broadcast
// subscriber's handler; peer poisons land here.
func (c *Cache) Invalidate(target string) {
	c.mu.Lock()
	c.gen[target]++
	c.mu.Unlock()
}
