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

package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, nil), mr
}

func TestAcquireRelease(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "batch:b1", time.Minute, false, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !mr.Exists("reel:lock:batch:b1") {
		t.Fatal("lock key missing in store")
	}
	ttl := mr.TTL("reel:lock:batch:b1")
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("lock ttl = %v", ttl)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if mr.Exists("reel:lock:batch:b1") {
		t.Error("lock key should be gone after release")
	}
}

func TestNonBlockingConflict(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "x", time.Minute, false, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l1.Release(ctx)

	_, err = m.Acquire(ctx, "x", time.Minute, false, 0)
	if !errors.Is(err, ErrNotAcquired) {
		t.Errorf("second acquire error = %v, want ErrNotAcquired", err)
	}
}

func TestBlockingAcquireWaits(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "x", time.Minute, false, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	go func() {
		time.Sleep(250 * time.Millisecond)
		_ = l1.Release(context.Background())
	}()

	start := time.Now()
	l2, err := m.Acquire(ctx, "x", time.Minute, true, 2*time.Second)
	if err != nil {
		t.Fatalf("blocking Acquire: %v", err)
	}
	defer l2.Release(ctx)
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("acquired too early: %v", elapsed)
	}
}

func TestBlockingAcquireTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "x", time.Minute, false, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l1.Release(ctx)

	_, err = m.Acquire(ctx, "x", time.Minute, true, 300*time.Millisecond)
	if !errors.Is(err, ErrNotAcquired) {
		t.Errorf("error = %v, want ErrNotAcquired", err)
	}
}

// A holder whose lock expired must not be able to release the lock a
// successor now holds.
func TestReleaseAfterExpiryDoesNotStealSuccessor(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "x", time.Second, false, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	mr.FastForward(2 * time.Second)

	l2, err := m.Acquire(ctx, "x", time.Minute, false, 0)
	if err != nil {
		t.Fatalf("successor Acquire: %v", err)
	}

	if err := l1.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale release error = %v, want ErrNotHeld", err)
	}
	if !mr.Exists("reel:lock:x") {
		t.Fatal("successor's lock was removed by a stale holder")
	}
	if err := l2.Release(ctx); err != nil {
		t.Errorf("successor Release: %v", err)
	}
}

func TestExtend(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "x", time.Second, false, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if ttl := mr.TTL("reel:lock:x"); ttl <= 30*time.Second {
		t.Errorf("ttl after extend = %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if err := l.Extend(ctx, time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Errorf("extend after expiry = %v, want ErrNotHeld", err)
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "critical", time.Minute, func(context.Context) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("critical section concurrency = %d, want 1", maxSeen)
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := m.WithLock(ctx, "x", time.Minute, func(context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want boom", err)
	}
	if mr.Exists("reel:lock:x") {
		t.Error("lock should be released after fn error")
	}
}

func TestSweepOrphans(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	// Orphan: lock key without expiry.
	if err := mr.Set("reel:lock:orphan", "tok"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Healthy lock with TTL.
	if _, err := m.Acquire(ctx, "healthy", time.Minute, false, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Unrelated key without expiry must not be touched.
	if err := mr.Set("reel:job_status:j1", "cached"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	removed, err := m.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if mr.Exists("reel:lock:orphan") {
		t.Error("orphan should be deleted")
	}
	if !mr.Exists("reel:lock:healthy") {
		t.Error("healthy lock should survive")
	}
	if !mr.Exists("reel:job_status:j1") {
		t.Error("non-lock key should survive")
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "crit", time.Minute, func(context.Context) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("concurrency = %d, want 1", maxSeen)
	}

	// Independent names do not contend.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.WithLock(ctx, "a", time.Minute, func(context.Context) error {
			return l.WithLock(ctx, "b", time.Minute, func(context.Context) error { return nil })
		})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent locks deadlocked")
	}
}
