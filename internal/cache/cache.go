// Package cache aggregates high-frequency, low-value events (HEARTBEAT,
// HTTP_ERROR) into per-minute counters so the event log is not flooded with
// one row per tick (spec §13, "per-minute log aggregation"). Counters can be
// backed by Redis, so multiple monitor instances watching different
// auctions share one view, or held in process memory for single-instance
// and replay runs.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vigiasubastas/monitor/pkg/logger"
)

// Counter increments and reads per-key counts inside a bucket window.
// Implementations must be safe for concurrent use.
type Counter interface {
	// Incr increments key's count for the current bucket and returns the
	// new total.
	Incr(ctx context.Context, key string, bucket time.Time) (int64, error)
	// Count returns key's current count for bucket without mutating it.
	Count(ctx context.Context, key string, bucket time.Time) (int64, error)
	// Reset clears key's count for bucket, typically called after a flush.
	Reset(ctx context.Context, key string, bucket time.Time) error
	Close() error
}

// Config configures the aggregation cache.
type Config struct {
	// RedisAddr, if set, backs the cache with Redis. Empty uses an
	// in-process MemoryCounter.
	RedisAddr string
	RedisDB   int
	// BucketWidth is the aggregation window (spec default: one minute).
	BucketWidth time.Duration
	// EntryTTL bounds how long a bucket's count survives unread, so a
	// crashed flush loop does not leak Redis keys or map entries forever.
	EntryTTL time.Duration
}

// DefaultConfig returns one-minute buckets backed by an in-process counter.
func DefaultConfig() Config {
	return Config{
		BucketWidth: time.Minute,
		EntryTTL:    10 * time.Minute,
	}
}

// BucketKey returns t truncated to the bucket boundary, used as part of the
// counter key so stale buckets naturally stop being incremented.
func BucketKey(t time.Time, width time.Duration) time.Time {
	return t.Truncate(width)
}

// New builds a Counter from cfg: Redis-backed if RedisAddr is set,
// in-process otherwise.
func New(cfg Config) (Counter, error) {
	if cfg.RedisAddr == "" {
		return NewMemoryCounter(cfg.EntryTTL), nil
	}
	return NewRedisCounter(cfg)
}

// MemoryCounter is an in-process Counter guarded by a single mutex, with
// expiring entries (grounded on the same map+mutex+expiresAt shape used for
// local response caching in this codebase).
type MemoryCounter struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounter returns a Counter that holds counts in process memory.
func NewMemoryCounter(ttl time.Duration) *MemoryCounter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryCounter{ttl: ttl, entries: make(map[string]*memoryEntry)}
}

func (c *MemoryCounter) fullKey(key string, bucket time.Time) string {
	return fmt.Sprintf("%s@%d", key, bucket.Unix())
}

func (c *MemoryCounter) Incr(ctx context.Context, key string, bucket time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()

	fk := c.fullKey(key, bucket)
	e, ok := c.entries[fk]
	if !ok {
		e = &memoryEntry{}
		c.entries[fk] = e
	}
	e.count++
	e.expiresAt = time.Now().Add(c.ttl)
	return e.count, nil
}

func (c *MemoryCounter) Count(ctx context.Context, key string, bucket time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.fullKey(key, bucket)]
	if !ok {
		return 0, nil
	}
	return e.count, nil
}

func (c *MemoryCounter) Reset(ctx context.Context, key string, bucket time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.fullKey(key, bucket))
	return nil
}

func (c *MemoryCounter) Close() error { return nil }

func (c *MemoryCounter) evictLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// RedisCounter is a Redis-backed Counter using INCR plus EXPIRE, so counts
// survive process restarts and are shared across instances.
type RedisCounter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCounter dials Redis per cfg. The client lazily connects; errors
// surface on the first command.
func NewRedisCounter(cfg Config) (*RedisCounter, error) {
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	return &RedisCounter{client: client, ttl: ttl}, nil
}

func redisKey(key string, bucket time.Time) string {
	return fmt.Sprintf("monitor:agg:%s:%d", key, bucket.Unix())
}

func (c *RedisCounter) Incr(ctx context.Context, key string, bucket time.Time) (int64, error) {
	rk := redisKey(key, bucket)
	n, err := c.client.Incr(ctx, rk).Result()
	if err != nil {
		logger.Log.Error().Err(err).Str("key", rk).Msg("cache: redis incr failed")
		return 0, err
	}
	if n == 1 {
		c.client.Expire(ctx, rk, c.ttl)
	}
	return n, nil
}

func (c *RedisCounter) Count(ctx context.Context, key string, bucket time.Time) (int64, error) {
	rk := redisKey(key, bucket)
	n, err := c.client.Get(ctx, rk).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (c *RedisCounter) Reset(ctx context.Context, key string, bucket time.Time) error {
	return c.client.Del(ctx, redisKey(key, bucket)).Err()
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}

// Debouncer tracks the last time a key fired, for the Engine's per-line-item
// sound refractory window (spec §4.3: "debounced per-line-item by a short
// refractory window to prevent storms"). Grounded on the same map+mutex
// shape as MemoryCounter; a debouncer needs no TTL eviction beyond the
// refractory window itself, so it is always in-process.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	lastFor map[string]time.Time
}

// NewDebouncer returns a Debouncer with the given refractory window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window, lastFor: make(map[string]time.Time)}
}

// Allow reports whether key may fire now: true if key has never fired, or
// the window has elapsed since its last firing. A true result marks key as
// having fired at now.
func (d *Debouncer) Allow(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastFor[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.lastFor[key] = now
	return true
}
