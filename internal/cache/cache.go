// Package cache provides the two-tier market data cache.
//
// Tier one is a shared keystore (Redis) visible to sibling processes; tier
// two is a process-local map. Each domain carries its own freshness contract:
//
//	spot price      5s / 5s
//	option chain    10s / 10s
//	technicals      30s / 30s
//	IV history      5m  / shared only
//
// Get never returns stale data — once a TTL expires the entry is a miss and
// the caller refreshes from source. The shared tier is optional: when Redis
// is unconfigured or unreachable the cache silently degrades to local-only.
// Writes are best-effort and never block the hot path on cache failures.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Domain names a cache namespace and its per-tier TTLs. A zero TTL disables
// that tier for the domain.
type Domain struct {
	Name      string
	LocalTTL  time.Duration
	SharedTTL time.Duration
}

var (
	Spot       = Domain{Name: "spot", LocalTTL: 5 * time.Second, SharedTTL: 5 * time.Second}
	Chain      = Domain{Name: "chain", LocalTTL: 10 * time.Second, SharedTTL: 10 * time.Second}
	Technicals = Domain{Name: "tech", LocalTTL: 30 * time.Second, SharedTTL: 30 * time.Second}
	IVHistory  = Domain{Name: "ivhist", LocalTTL: 0, SharedTTL: 5 * time.Minute}
)

// envelope is the shared-tier wire format: JSON value plus capture time.
type envelope struct {
	CapturedAt time.Time       `json:"captured_at"`
	Value      json.RawMessage `json:"value"`
}

type localEntry struct {
	capturedAt time.Time
	data       []byte
}

// Cache is safe for concurrent use.
type Cache struct {
	rdb    *redis.Client // nil when degraded to local-only
	logger *slog.Logger

	mu    sync.RWMutex
	local map[string]localEntry

	sharedTimeout time.Duration
}

// New creates a cache. addr may be empty to run local-only; an unreachable
// shared tier is logged once and the cache degrades silently.
func New(addr, password string, db int, logger *slog.Logger) *Cache {
	c := &Cache{
		logger:        logger.With("component", "cache"),
		local:         make(map[string]localEntry),
		sharedTimeout: 200 * time.Millisecond,
	}
	if addr == "" {
		return c
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		c.logger.Warn("shared cache tier unavailable, running local-only", "addr", addr, "error", err)
		_ = rdb.Close()
		return c
	}
	c.rdb = rdb
	return c
}

// Close releases the shared-tier connection.
func (c *Cache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Get loads key into v. Returns false on miss or expiry in both tiers.
// A shared-tier hit is promoted into the local tier.
func (c *Cache) Get(ctx context.Context, d Domain, key string, v any) bool {
	full := d.Name + ":" + key
	now := time.Now()

	if d.LocalTTL > 0 {
		c.mu.RLock()
		e, ok := c.local[full]
		c.mu.RUnlock()
		if ok && now.Sub(e.capturedAt) <= d.LocalTTL {
			if err := json.Unmarshal(e.data, v); err == nil {
				return true
			}
		}
	}

	if c.rdb == nil || d.SharedTTL == 0 {
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, c.sharedTimeout)
	defer cancel()
	raw, err := c.rdb.Get(sctx, full).Bytes()
	if err != nil {
		return false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	if now.Sub(env.CapturedAt) > d.SharedTTL {
		return false
	}
	if err := json.Unmarshal(env.Value, v); err != nil {
		return false
	}

	if d.LocalTTL > 0 {
		c.mu.Lock()
		c.local[full] = localEntry{capturedAt: env.CapturedAt, data: env.Value}
		c.mu.Unlock()
	}
	return true
}

// Set writes key to both tiers, best-effort. Shared-tier failures are
// logged at debug and otherwise ignored.
func (c *Cache) Set(ctx context.Context, d Domain, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache marshal failed", "domain", d.Name, "key", key, "error", err)
		return
	}
	full := d.Name + ":" + key
	now := time.Now()

	if d.LocalTTL > 0 {
		c.mu.Lock()
		c.local[full] = localEntry{capturedAt: now, data: data}
		c.mu.Unlock()
	}

	if c.rdb == nil || d.SharedTTL == 0 {
		return
	}
	env, err := json.Marshal(envelope{CapturedAt: now, Value: data})
	if err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.sharedTimeout)
	defer cancel()
	if err := c.rdb.Set(sctx, full, env, d.SharedTTL).Err(); err != nil {
		c.logger.Debug("shared cache write failed", "key", full, "error", err)
	}
}

// Age returns how old the freshest entry for key is, or -1 on miss. Used by
// staleness checks without forcing a decode.
func (c *Cache) Age(ctx context.Context, d Domain, key string) time.Duration {
	full := d.Name + ":" + key
	c.mu.RLock()
	e, ok := c.local[full]
	c.mu.RUnlock()
	if ok {
		return time.Since(e.capturedAt)
	}
	return -1
}

// SharedAvailable reports whether the shared tier is connected.
func (c *Cache) SharedAvailable() bool { return c.rdb != nil }
