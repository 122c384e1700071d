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

package breaker

import (
	"errors"
	"testing"
	"time"

	"reel/internal/errdefs"
)

var errFlaky = errors.New("connection refused")

func TestOpensAtThreshold(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		if err := r.Do("dep", func() error { return errFlaky }); !errors.Is(err, errFlaky) {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if got := r.State("dep"); got != "closed" {
			t.Fatalf("state after %d failures = %q, want closed", i+1, got)
		}
	}

	// Third consecutive failure trips the breaker.
	if err := r.Do("dep", func() error { return errFlaky }); !errors.Is(err, errFlaky) {
		t.Fatalf("third attempt: %v", err)
	}
	if got := r.State("dep"); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	// While open, calls are rejected without running fn.
	ran := false
	err := r.Do("dep", func() error { ran = true; return nil })
	if !IsOpen(err) {
		t.Errorf("error = %v, want CIRCUIT_OPEN", err)
	}
	if ran {
		t.Error("fn must not run while the breaker is open")
	}
	coded := errdefs.AsError(err)
	if coded.Details["retry_after_seconds"] != 60 {
		t.Errorf("retry hint = %v", coded.Details["retry_after_seconds"])
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_ = r.Do("dep", func() error { return errFlaky })
	}
	if err := r.Do("dep", func() error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}
	for i := 0; i < 2; i++ {
		_ = r.Do("dep", func() error { return errFlaky })
	}
	if got := r.State("dep"); got != "closed" {
		t.Errorf("state = %q, want closed after interleaved success", got)
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond}, nil)

	_ = r.Do("dep", func() error { return errFlaky })
	if got := r.State("dep"); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	time.Sleep(70 * time.Millisecond)

	// First call after the recovery timeout is admitted as the probe.
	if err := r.Do("dep", func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := r.State("dep"); got != "closed" {
		t.Errorf("state after successful probe = %q, want closed", got)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond}, nil)

	_ = r.Do("dep", func() error { return errFlaky })
	time.Sleep(70 * time.Millisecond)

	if err := r.Do("dep", func() error { return errFlaky }); !errors.Is(err, errFlaky) {
		t.Fatalf("probe: %v", err)
	}
	if got := r.State("dep"); got != "open" {
		t.Errorf("state after failed probe = %q, want open", got)
	}
	if err := r.Do("dep", func() error { return nil }); !IsOpen(err) {
		t.Errorf("call after failed probe = %v, want CIRCUIT_OPEN", err)
	}
}

func TestExpectedPredicateFiltersErrors(t *testing.T) {
	expected := ExpectKinds(errdefs.KindNetwork, errdefs.KindTimeout)
	r := NewRegistry(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, Expected: expected}, nil)

	// Validation errors pass through without affecting state.
	for i := 0; i < 5; i++ {
		err := r.Do("dep", func() error { return errdefs.Validation("bad input") })
		if errdefs.CodeOf(err) != errdefs.CodeValidationFailed {
			t.Fatalf("error = %v", err)
		}
	}
	if got := r.State("dep"); got != "closed" {
		t.Fatalf("state = %q, want closed after unexpected errors", got)
	}

	// Network-kind errors count and trip.
	netErr := errdefs.Wrap(errFlaky, errdefs.CodeProcessingFailed, errdefs.KindNetwork, "transport down")
	_ = r.Do("dep", func() error { return netErr })
	_ = r.Do("dep", func() error { return netErr })
	if got := r.State("dep"); got != "open" {
		t.Errorf("state = %q, want open", got)
	}
}

func TestExpectedPredicateCountsRawErrors(t *testing.T) {
	expected := ExpectKinds(errdefs.KindNetwork)
	r := NewRegistry(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, Expected: expected}, nil)

	_ = r.Do("dep", func() error { return errFlaky })
	_ = r.Do("dep", func() error { return errFlaky })
	if got := r.State("dep"); got != "open" {
		t.Errorf("raw errors should count: state = %q", got)
	}
}

func TestBreakersAreIndependent(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, nil)

	_ = r.Do("ffmpeg", func() error { return errFlaky })
	if got := r.State("ffmpeg"); got != "open" {
		t.Fatalf("ffmpeg state = %q", got)
	}
	if err := r.Do("storage", func() error { return nil }); err != nil {
		t.Errorf("storage call should pass: %v", err)
	}
	if got := r.State("storage"); got != "closed" {
		t.Errorf("storage state = %q", got)
	}
}

func TestStats(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 5, RecoveryTimeout: time.Minute}, nil)

	_ = r.Do("dep", func() error { return nil })
	_ = r.Do("dep", func() error { return errFlaky })

	stats := r.Stats()
	s, ok := stats["dep"]
	if !ok {
		t.Fatal("missing breaker in stats")
	}
	if s.Requests != 2 || s.TotalSuccesses != 1 || s.TotalFailures != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.State != "closed" {
		t.Errorf("state = %q", s.State)
	}
}

func TestExecuteReturnsValue(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	v, err := r.Execute("dep", func() (any, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("Execute = %v, %v", v, err)
	}
}
