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

// Package ratelimit enforces per-credential call quotas over fixed
// hourly and daily windows. Counters live in the shared remote store so
// all API instances see the same counts; when the store is unreachable
// the limiter degrades to process-local counters rather than failing
// open or closed inconsistently.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reel/internal/metrics"
	"reel/pkg/media"
)

// Window names reported in deny decisions.
const (
	WindowHour = "hour"
	WindowDay  = "day"
)

// Decision is the outcome of one rate limit check. Counts include the
// request being decided.
type Decision struct {
	Allowed       bool
	Tier          media.Tier
	HourLimit     int64
	HourRemaining int64
	HourUsed      int64
	DayLimit      int64
	DayRemaining  int64
	DayUsed       int64

	// Window and RetryAfter are set when the request is denied.
	// RetryAfter is the denied window's full span (3600 or 86400
	// seconds), the documented retry hint.
	Window     string
	RetryAfter time.Duration
}

// Config tunes the limiter.
type Config struct {
	// Enabled turns enforcement on. A disabled limiter allows
	// everything without counting.
	Enabled bool

	// AnonymousCalls/AnonymousPeriod bound unauthenticated requests,
	// keyed by client address, in a single window.
	AnonymousCalls  int64
	AnonymousPeriod time.Duration
}

// Limiter decides whether a request may proceed.
type Limiter struct {
	rdb    redis.UniversalClient
	local  *localCounters
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New constructs a Limiter. A nil client runs entirely on process-local
// counters.
func New(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.AnonymousCalls <= 0 {
		cfg.AnonymousCalls = 100
	}
	if cfg.AnonymousPeriod <= 0 {
		cfg.AnonymousPeriod = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		rdb:    rdb,
		local:  newLocalCounters(10000, time.Now),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetNow injects a clock for tests.
func (l *Limiter) SetNow(now func() time.Time) {
	l.now = now
	l.local.now = now
}

// AllowKey checks the hourly and daily quota for an authenticated
// credential. The identifier should be the credential ID, not the raw
// token.
func (l *Limiter) AllowKey(ctx context.Context, identifier string, tier media.Tier) Decision {
	limits := tier.Limits()
	if !l.cfg.Enabled {
		return Decision{
			Allowed:       true,
			Tier:          tier,
			HourLimit:     limits.HourlyCalls,
			HourRemaining: limits.HourlyCalls,
			DayLimit:      limits.DailyCalls,
			DayRemaining:  limits.DailyCalls,
		}
	}

	now := l.now()
	hourWindow := now.Unix() / 3600
	dayWindow := now.Unix() / 86400
	hourKey := fmt.Sprintf("reel:ratelimit:%s:h:%d", identifier, hourWindow)
	dayKey := fmt.Sprintf("reel:ratelimit:%s:d:%d", identifier, dayWindow)

	hourCount, dayCount, err := l.count(ctx, hourKey, dayKey)
	if err != nil {
		l.logger.Debug("rate limit store unavailable, using local counters", zap.Error(err))
		hourCount = l.local.increment(hourKey, time.Hour)
		dayCount = l.local.increment(dayKey, 24*time.Hour)
	}

	d := Decision{
		Allowed:       true,
		Tier:          tier,
		HourLimit:     limits.HourlyCalls,
		HourRemaining: remaining(limits.HourlyCalls, hourCount),
		HourUsed:      hourCount,
		DayLimit:      limits.DailyCalls,
		DayRemaining:  remaining(limits.DailyCalls, dayCount),
		DayUsed:       dayCount,
	}

	switch {
	case hourCount > limits.HourlyCalls:
		d.Allowed = false
		d.Window = WindowHour
		d.RetryAfter = time.Hour
	case dayCount > limits.DailyCalls:
		d.Allowed = false
		d.Window = WindowDay
		d.RetryAfter = 24 * time.Hour
	}

	metrics.IncRateLimitDecision(tier.String(), d.Allowed)
	return d
}

// AllowAnonymous checks the single-window quota for an unauthenticated
// client address.
func (l *Limiter) AllowAnonymous(ctx context.Context, addr string) Decision {
	if !l.cfg.Enabled {
		return Decision{
			Allowed:       true,
			Tier:          media.TierFree,
			HourLimit:     l.cfg.AnonymousCalls,
			HourRemaining: l.cfg.AnonymousCalls,
		}
	}

	now := l.now()
	period := int64(l.cfg.AnonymousPeriod / time.Second)
	window := now.Unix() / period
	key := fmt.Sprintf("reel:ratelimit:anon:%s:%d", addr, window)

	count, err := l.countOne(ctx, key, l.cfg.AnonymousPeriod)
	if err != nil {
		count = l.local.increment(key, l.cfg.AnonymousPeriod)
	}

	d := Decision{
		Allowed:       true,
		Tier:          media.TierFree,
		HourLimit:     l.cfg.AnonymousCalls,
		HourRemaining: remaining(l.cfg.AnonymousCalls, count),
		HourUsed:      count,
	}
	if count > l.cfg.AnonymousCalls {
		d.Allowed = false
		d.Window = WindowHour
		d.RetryAfter = l.cfg.AnonymousPeriod
	}

	metrics.IncRateLimitDecision("anonymous", d.Allowed)
	return d
}

func (l *Limiter) count(ctx context.Context, hourKey, dayKey string) (int64, int64, error) {
	if l.rdb == nil {
		return 0, 0, redis.ErrClosed
	}
	opctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var hourCmd, dayCmd *redis.IntCmd
	_, err := l.rdb.TxPipelined(opctx, func(pipe redis.Pipeliner) error {
		hourCmd = pipe.Incr(opctx, hourKey)
		pipe.Expire(opctx, hourKey, time.Hour)
		dayCmd = pipe.Incr(opctx, dayKey)
		pipe.Expire(opctx, dayKey, 24*time.Hour)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return hourCmd.Val(), dayCmd.Val(), nil
}

func (l *Limiter) countOne(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if l.rdb == nil {
		return 0, redis.ErrClosed
	}
	opctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var cmd *redis.IntCmd
	_, err := l.rdb.TxPipelined(opctx, func(pipe redis.Pipeliner) error {
		cmd = pipe.Incr(opctx, key)
		pipe.Expire(opctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

func remaining(limit, count int64) int64 {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}
