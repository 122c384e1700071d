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

// Package breaker maintains named circuit breakers around external
// dependencies (media tooling, storage backends, webhook targets).
// Breakers with the same name share state, so every caller of a
// dependency sees the same open/closed decision.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"reel/internal/errdefs"
	"reel/internal/metrics"
)

// Config tunes breaker behavior. One Config applies to every breaker
// the registry creates.
type Config struct {
	// FailureThreshold is the number of consecutive expected failures
	// that opens the breaker. Zero means 5.
	FailureThreshold uint32

	// RecoveryTimeout is how long an open breaker waits before
	// admitting a single probe. Zero means 60s.
	RecoveryTimeout time.Duration

	// Expected reports whether an error counts toward tripping.
	// Nil counts every error.
	Expected func(error) bool
}

// Stats is a snapshot of one breaker.
type Stats struct {
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Registry creates and stores breakers by name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      Config
	logger   *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	expected := r.cfg.Expected
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// Exactly one probe is admitted in half-open state.
		MaxRequests: 1,
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if expected == nil {
				return false
			}
			return !expected(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, stateValue(to))
			r.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the named breaker. When the breaker is open
// the call is rejected immediately with a CIRCUIT_OPEN error carrying
// the recovery timeout as a retry hint.
func (r *Registry) Execute(name string, fn func() (any, error)) (any, error) {
	v, err := r.breaker(name).Execute(fn)
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return v, errdefs.Wrap(err, errdefs.CodeCircuitOpen, errdefs.KindNetwork, "dependency unavailable: "+name).
			WithDetail("breaker", name).
			WithDetail("retry_after_seconds", int(r.cfg.RecoveryTimeout.Seconds()))
	}
	return v, err
}

// Do is Execute for functions without a result value.
func (r *Registry) Do(name string, fn func() error) error {
	_, err := r.Execute(name, func() (any, error) { return nil, fn() })
	return err
}

// State returns the current state string of the named breaker, creating
// it closed if it does not exist yet.
func (r *Registry) State(name string) string {
	return r.breaker(name).State().String()
}

// Stats snapshots every breaker the registry has created.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		counts := cb.Counts()
		out[name] = Stats{
			State:               cb.State().String(),
			Requests:            counts.Requests,
			TotalSuccesses:      counts.TotalSuccesses,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		}
	}
	return out
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	return errdefs.CodeOf(err) == errdefs.CodeCircuitOpen
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// ExpectKinds builds an Expected predicate that counts coded errors of
// the given kinds plus any non-coded error (raw transport failures).
// Coded errors of other kinds, e.g. validation, pass through without
// affecting breaker state.
func ExpectKinds(kinds ...errdefs.Kind) func(error) bool {
	set := make(map[errdefs.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(err error) bool {
		var coded *errdefs.Error
		if !errors.As(err, &coded) {
			return true
		}
		_, ok := set[coded.Kind]
		return ok
	}
}
