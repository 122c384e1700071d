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

package ratelimit

import (
	"sync"
	"time"
)

type localEntry struct {
	count    int64
	expires  time.Time
	lastSeen time.Time
}

// localCounters is the degraded-mode counter store used when the remote
// store is unreachable. Counts are per process, so enforcement is
// approximate across instances; stale and excess entries are pruned on
// every increment.
type localCounters struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	max     int
	now     func() time.Time
}

func newLocalCounters(max int, now func() time.Time) *localCounters {
	if max < 1 {
		max = 1
	}
	return &localCounters{
		entries: make(map[string]*localEntry),
		max:     max,
		now:     now,
	}
}

func (c *localCounters) increment(key string, window time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	e, ok := c.entries[key]
	if !ok || !now.Before(e.expires) {
		e = &localEntry{expires: now.Add(window)}
		c.entries[key] = e
	}
	e.count++
	e.lastSeen = now
	return e.count
}

func (c *localCounters) pruneLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
		}
	}
	// Still over capacity after dropping expired windows: evict the
	// least recently used entries.
	for len(c.entries) >= c.max {
		var victim string
		var oldest time.Time
		for key, e := range c.entries {
			if victim == "" || e.lastSeen.Before(oldest) {
				victim = key
				oldest = e.lastSeen
			}
		}
		if victim == "" {
			return
		}
		delete(c.entries, victim)
	}
}

func (c *localCounters) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
