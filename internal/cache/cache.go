// Reel is a media transcoding service.
// Copyright (C) 2025 The Reel Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package cache provides the two-tier response cache: a remote shared
// store with a bounded in-process fallback. Every operation degrades
// transparently to the fallback tier when the remote store is
// unreachable or a single call errors; cache failures never fail the
// caller's request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reel/internal/metrics"
)

// Category names a class of cached values with a default TTL.
type Category string

const (
	CategoryJobStatus     Category = "job_status"
	CategoryJobList       Category = "job_list"
	CategoryAPIKey        Category = "api_key"
	CategoryStorageConfig Category = "storage_config"
	CategoryAnalysis      Category = "analysis"
	CategoryRateLimit     Category = "rate_limit"
	CategoryDefault       Category = "default"
)

func defaultTTLs() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryJobStatus:     30 * time.Second,
		CategoryJobList:       60 * time.Second,
		CategoryAPIKey:        300 * time.Second,
		CategoryStorageConfig: time.Hour,
		CategoryAnalysis:      24 * time.Hour,
		CategoryRateLimit:     time.Hour,
		CategoryDefault:       5 * time.Minute,
	}
}

// lockPrefix keys are owned by the lock manager and must survive a
// cache Clear.
const lockPrefix = Namespace + ":lock:"

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	Sets            uint64  `json:"sets"`
	Deletes         uint64  `json:"deletes"`
	Errors          uint64  `json:"errors"`
	HitRate         float64 `json:"hit_rate"`
	FallbackEntries int     `json:"fallback_entries"`
	RemoteEnabled   bool    `json:"remote_enabled"`
}

// Options configures a Cache.
type Options struct {
	// Client is the remote tier. Nil runs the cache on the fallback
	// tier alone.
	Client redis.UniversalClient

	// MaxFallbackEntries bounds the in-process tier. Zero means 1000.
	MaxFallbackEntries int

	// TTLOverrides replaces default TTLs per category name.
	TTLOverrides map[string]time.Duration

	// OpTimeout bounds each remote operation. Zero means 5s.
	OpTimeout time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// Cache is the two-tier cache. Safe for concurrent use.
type Cache struct {
	rdb       redis.UniversalClient
	fallback  *fallbackStore
	ttls      map[Category]time.Duration
	opTimeout time.Duration
	logger    *zap.Logger
	now       func() time.Time

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64
	errs    atomic.Uint64
}

// New constructs a Cache from options.
func New(opts Options) *Cache {
	if opts.MaxFallbackEntries <= 0 {
		opts.MaxFallbackEntries = 1000
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ttls := defaultTTLs()
	for name, d := range opts.TTLOverrides {
		if d > 0 {
			ttls[Category(name)] = d
		}
	}

	return &Cache{
		rdb:       opts.Client,
		fallback:  newFallbackStore(opts.MaxFallbackEntries, opts.Now),
		ttls:      ttls,
		opTimeout: opts.OpTimeout,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// TTLFor returns the TTL configured for a category, or the default
// category's TTL for unknown categories.
func (c *Cache) TTLFor(cat Category) time.Duration {
	if d, ok := c.ttls[cat]; ok {
		return d
	}
	return c.ttls[CategoryDefault]
}

func (c *Cache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Get returns the decoded value for key, or ok=false on a miss. Remote
// errors fall through to the fallback tier.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	raw, ok := c.fetch(ctx, key)
	if !ok {
		return nil, false
	}
	v, err := decodeValue(raw)
	if err != nil {
		c.errs.Add(1)
		c.logger.Debug("cache decode failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return v, true
}

// GetInto unmarshals a JSON-encoded cached value into dest. Values
// stored with the binary fallback encoding are not retrievable this way.
func (c *Cache) GetInto(ctx context.Context, key string, dest any) bool {
	raw, ok := c.fetch(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.errs.Add(1)
		c.logger.Debug("cache decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *Cache) fetch(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb != nil {
		opctx, cancel := c.opCtx(ctx)
		val, err := c.rdb.Get(opctx, key).Result()
		cancel()
		switch {
		case err == nil:
			c.hits.Add(1)
			metrics.IncCacheOp("get", "remote", "hit")
			return []byte(val), true
		case errors.Is(err, redis.Nil):
			// Remote miss: the fallback tier may still hold entries
			// written during an outage.
		default:
			c.errs.Add(1)
			metrics.IncCacheOp("get", "remote", "error")
			c.logger.Debug("cache remote get failed", zap.String("key", key), zap.Error(err))
		}
	}

	if raw, ok := c.fallback.get(key); ok {
		c.hits.Add(1)
		metrics.IncCacheOp("get", "fallback", "hit")
		return raw, true
	}
	c.misses.Add(1)
	metrics.IncCacheOp("get", "fallback", "miss")
	return nil, false
}

// Set stores a value with an explicit TTL. Zero or negative TTL uses
// the default category TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := encodeValue(value)
	if err != nil {
		c.errs.Add(1)
		return err
	}
	if ttl <= 0 {
		ttl = c.TTLFor(CategoryDefault)
	}

	if c.rdb != nil {
		opctx, cancel := c.opCtx(ctx)
		err := c.rdb.Set(opctx, key, raw, ttl).Err()
		cancel()
		if err == nil {
			c.sets.Add(1)
			metrics.IncCacheOp("set", "remote", "ok")
			return nil
		}
		c.errs.Add(1)
		metrics.IncCacheOp("set", "remote", "error")
		c.logger.Debug("cache remote set failed", zap.String("key", key), zap.Error(err))
	}

	c.fallback.set(key, raw, ttl)
	c.sets.Add(1)
	metrics.IncCacheOp("set", "fallback", "ok")
	return nil
}

// SetCategory stores a value with the TTL of the given category.
func (c *Cache) SetCategory(ctx context.Context, key string, value any, cat Category) error {
	return c.Set(ctx, key, value, c.TTLFor(cat))
}

// Delete removes a key from both tiers. Returns true when either tier
// held the key.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	var removed bool
	if c.rdb != nil {
		opctx, cancel := c.opCtx(ctx)
		n, err := c.rdb.Del(opctx, key).Result()
		cancel()
		if err != nil {
			c.errs.Add(1)
			c.logger.Debug("cache remote delete failed", zap.String("key", key), zap.Error(err))
		} else if n > 0 {
			removed = true
		}
	}
	if c.fallback.delete(key) {
		removed = true
	}
	if removed {
		c.deletes.Add(1)
	}
	return removed
}

// DeletePattern removes all keys matching a glob pattern from both
// tiers and returns the number removed. Used for invalidation, e.g.
// every key mentioning a job ID after a progress write.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int {
	removed := 0
	if c.rdb != nil {
		keys, err := c.scanKeys(ctx, pattern)
		if err != nil {
			c.errs.Add(1)
			c.logger.Debug("cache remote scan failed", zap.String("pattern", pattern), zap.Error(err))
		} else if len(keys) > 0 {
			opctx, cancel := c.opCtx(ctx)
			n, err := c.rdb.Del(opctx, keys...).Result()
			cancel()
			if err != nil {
				c.errs.Add(1)
			} else {
				removed += int(n)
			}
		}
	}
	removed += c.fallback.deletePattern(pattern)
	if removed > 0 {
		c.deletes.Add(uint64(removed))
	}
	return removed
}

// Exists reports whether the key is present in either tier.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if c.rdb != nil {
		opctx, cancel := c.opCtx(ctx)
		n, err := c.rdb.Exists(opctx, key).Result()
		cancel()
		if err == nil {
			if n > 0 {
				return true
			}
		} else {
			c.errs.Add(1)
			c.logger.Debug("cache remote exists failed", zap.String("key", key), zap.Error(err))
		}
	}
	return c.fallback.exists(key)
}

// Increment atomically adds delta to a counter key and returns the new
// value. A positive ttl refreshes the key's expiry on every call.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if c.rdb != nil {
		opctx, cancel := c.opCtx(ctx)
		var incr *redis.IntCmd
		_, err := c.rdb.TxPipelined(opctx, func(pipe redis.Pipeliner) error {
			incr = pipe.IncrBy(opctx, key, delta)
			if ttl > 0 {
				pipe.Expire(opctx, key, ttl)
			}
			return nil
		})
		cancel()
		if err == nil {
			return incr.Val(), nil
		}
		c.errs.Add(1)
		c.logger.Debug("cache remote increment failed", zap.String("key", key), zap.Error(err))
	}
	return c.fallback.increment(key, delta, ttl), nil
}

// Clear removes every cached entry in the namespace from both tiers.
// Lock keys are skipped: clearing the cache must not release locks held
// by running schedulers.
func (c *Cache) Clear(ctx context.Context) error {
	var firstErr error
	if c.rdb != nil {
		keys, err := c.scanKeys(ctx, Namespace+":*")
		if err != nil {
			firstErr = err
			c.errs.Add(1)
		} else {
			batch := keys[:0]
			for _, k := range keys {
				if !strings.HasPrefix(k, lockPrefix) {
					batch = append(batch, k)
				}
			}
			if len(batch) > 0 {
				opctx, cancel := c.opCtx(ctx)
				if err := c.rdb.Del(opctx, batch...).Err(); err != nil {
					firstErr = err
					c.errs.Add(1)
				}
				cancel()
			}
		}
	}
	c.fallback.clear()
	return firstErr
}

func (c *Cache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	opctx, cancel := context.WithTimeout(ctx, 2*c.opTimeout)
	defer cancel()

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.rdb.Scan(opctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Ping checks remote tier reachability. A cache without a remote tier
// always reports healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	opctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.Ping(opctx).Err()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:            hits,
		Misses:          misses,
		Sets:            c.sets.Load(),
		Deletes:         c.deletes.Load(),
		Errors:          c.errs.Load(),
		HitRate:         rate,
		FallbackEntries: c.fallback.len(),
		RemoteEnabled:   c.rdb != nil,
	}
}
