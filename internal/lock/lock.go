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

// Package lock implements distributed mutual exclusion over the shared
// remote store. Locks carry per-acquisition random tokens so release
// and extend only succeed for the current holder, and every lock has a
// TTL so a crashed holder cannot block others forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reel/internal/metrics"
)

// ErrNotAcquired is returned when an acquisition attempt times out or a
// non-blocking attempt finds the lock held.
var ErrNotAcquired = errors.New("lock: not acquired")

// ErrNotHeld is returned by Release and Extend when the token no longer
// matches, i.e. the lock expired or another holder took over.
var ErrNotHeld = errors.New("lock: not held")

const (
	// keyPrefix namespaces lock keys under the shared store prefix.
	keyPrefix = "reel:lock:"

	// retryDelay is the pause between blocking acquisition attempts.
	retryDelay = 100 * time.Millisecond

	// DefaultWait bounds a blocking acquisition unless the context
	// expires first.
	DefaultWait = 30 * time.Second
)

// releaseScript deletes the key only when the stored token matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the stored token matches.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Locker is the interface consumed by components that need mutual
// exclusion for a critical section. Manager implements it over the
// remote store; Local implements it in-process for deployments without
// one.
type Locker interface {
	// WithLock runs fn while holding the named lock, blocking up to
	// DefaultWait for acquisition. The lock is released when fn
	// returns, even on error.
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Manager acquires and releases locks in the remote store.
type Manager struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
	now    func() time.Time
}

// NewManager constructs a Manager. The client must not be nil.
func NewManager(rdb redis.UniversalClient, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{rdb: rdb, logger: logger, now: time.Now}
}

// Lock is a held lock. Release or Extend with the stored token.
type Lock struct {
	m     *Manager
	key   string
	token string
	ttl   time.Duration
}

// Key returns the full store key of the lock.
func (l *Lock) Key() string { return l.key }

// Acquire attempts to take the named lock. In blocking mode it retries
// every 100ms until wait elapses or ctx is done; in non-blocking mode a
// held lock fails immediately with ErrNotAcquired.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration, blocking bool, wait time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %q: ttl must be positive", name)
	}
	if wait <= 0 {
		wait = DefaultWait
	}

	key := keyPrefix + name
	token := uuid.NewString()
	deadline := m.now().Add(wait)

	for {
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			metrics.IncLockAcquisition("error")
			return nil, fmt.Errorf("lock %q: %w", name, err)
		}
		if ok {
			metrics.IncLockAcquisition("acquired")
			return &Lock{m: m, key: key, token: token, ttl: ttl}, nil
		}
		if !blocking || !m.now().Add(retryDelay).Before(deadline) {
			metrics.IncLockAcquisition("timeout")
			return nil, fmt.Errorf("lock %q: %w", name, ErrNotAcquired)
		}
		select {
		case <-ctx.Done():
			metrics.IncLockAcquisition("timeout")
			return nil, fmt.Errorf("lock %q: %w", name, ctx.Err())
		case <-time.After(retryDelay):
		}
	}
}

// Release deletes the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.m.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %q: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("release %q: %w", l.key, ErrNotHeld)
	}
	return nil
}

// Extend refreshes the lock TTL if this holder still owns it.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.ttl
	}
	n, err := extendScript.Run(ctx, l.m.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %q: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("extend %q: %w", l.key, ErrNotHeld)
	}
	l.ttl = ttl
	return nil
}

// WithLock acquires the named lock in blocking mode, runs fn, and
// releases. A failed release after the holder lost the lock is logged,
// not returned: fn already ran and its result stands.
func (m *Manager) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, name, ttl, true, DefaultWait)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := l.Release(rctx); rerr != nil {
			m.logger.Warn("lock release failed", zap.String("lock", name), zap.Error(rerr))
		}
	}()
	return fn(ctx)
}

// SweepOrphans deletes lock keys that have no TTL. A lock without
// expiry can only result from a partial write and would block its
// critical section forever.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	var (
		removed int
		cursor  uint64
	)
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("sweep scan: %w", err)
		}
		for _, key := range keys {
			ttl, err := m.rdb.TTL(ctx, key).Result()
			if err != nil {
				continue
			}
			// -1 means the key exists without expiry.
			if ttl == -1 {
				if n, err := m.rdb.Del(ctx, key).Result(); err == nil && n > 0 {
					removed++
					m.logger.Warn("removed orphaned lock", zap.String("key", key))
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// RunSweeper periodically sweeps orphaned locks until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepOrphans(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("orphan sweep failed", zap.Error(err))
			}
		}
	}
}

// Name extracts the lock name from a full key, for logs.
func Name(key string) string {
	return strings.TrimPrefix(key, keyPrefix)
}
