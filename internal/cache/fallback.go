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

package cache

import (
	"path"
	"strconv"
	"sync"
	"time"
)

type fallbackEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e fallbackEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// fallbackStore is the bounded in-process tier used when the remote
// store is unavailable. Expired entries are pruned lazily on access;
// when the store is full the entry closest to expiry is evicted first,
// entries without expiry last.
type fallbackStore struct {
	mu      sync.Mutex
	entries map[string]fallbackEntry
	max     int
	now     func() time.Time
}

func newFallbackStore(max int, now func() time.Time) *fallbackStore {
	if max < 1 {
		max = 1
	}
	if now == nil {
		now = time.Now
	}
	return &fallbackStore{
		entries: make(map[string]fallbackEntry),
		max:     max,
		now:     now,
	}
}

func (f *fallbackStore) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(f.now()) {
		delete(f.entries, key)
		return nil, false
	}
	return e.value, true
}

func (f *fallbackStore) set(key string, value []byte, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.pruneLocked(now)

	if _, exists := f.entries[key]; !exists && len(f.entries) >= f.max {
		f.evictLocked()
	}

	e := fallbackEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	f.entries[key] = e
}

func (f *fallbackStore) delete(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[key]; !ok {
		return false
	}
	delete(f.entries, key)
	return true
}

// deletePattern removes entries whose key matches the glob pattern.
// Matching is exact glob semantics; a malformed pattern matches nothing.
func (f *fallbackStore) deletePattern(pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key := range f.entries {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return removed
		}
		if ok {
			delete(f.entries, key)
			removed++
		}
	}
	return removed
}

func (f *fallbackStore) exists(key string) bool {
	_, ok := f.get(key)
	return ok
}

// increment performs a read-modify-write under the store mutex. The
// value is stored as a decimal string so remote and fallback tiers stay
// interchangeable. A non-numeric existing value is overwritten.
func (f *fallbackStore) increment(key string, delta int64, ttl time.Duration) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.pruneLocked(now)

	var current int64
	if e, ok := f.entries[key]; ok && !e.expired(now) {
		if n, err := strconv.ParseInt(string(e.value), 10, 64); err == nil {
			current = n
		}
	} else if !ok && len(f.entries) >= f.max {
		f.evictLocked()
	}

	current += delta
	e := fallbackEntry{value: []byte(strconv.FormatInt(current, 10))}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else if prev, ok := f.entries[key]; ok {
		e.expiresAt = prev.expiresAt
	}
	f.entries[key] = e
	return current
}

func (f *fallbackStore) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[string]fallbackEntry)
}

func (f *fallbackStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked(f.now())
	return len(f.entries)
}

func (f *fallbackStore) pruneLocked(now time.Time) {
	for key, e := range f.entries {
		if e.expired(now) {
			delete(f.entries, key)
		}
	}
}

// evictLocked removes the entry closest to expiry. Entries without
// expiry are evicted only when every remaining entry is also unexpiring.
func (f *fallbackStore) evictLocked() {
	var victim string
	var victimExpiry time.Time
	found := false

	for key, e := range f.entries {
		if e.expiresAt.IsZero() {
			if !found && victim == "" {
				victim = key
			}
			continue
		}
		if !found || e.expiresAt.Before(victimExpiry) {
			victim = key
			victimExpiry = e.expiresAt
			found = true
		}
	}
	if victim != "" {
		delete(f.entries, victim)
	}
}
