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

package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"reel/pkg/media"
)

// DefaultUpdateInterval is the minimum spacing between time-driven
// progress writes.
const DefaultUpdateInterval = 2 * time.Second

// progressWriteDelta is the percentage jump that forces a write ahead
// of the interval.
const progressWriteDelta = 5

// Invalidator removes cached entries by pattern. *cache.Cache
// satisfies it.
type Invalidator interface {
	DeletePattern(ctx context.Context, pattern string) int
}

// Tracker throttles progress persistence for one job run. ffmpeg emits
// stats several times per second; only meaningful movement reaches the
// database. Stale cache entries for the job are dropped after every
// persisted write.
type Tracker struct {
	store Store
	cache Invalidator
	log   *zap.Logger
	jobID string
	epoch int

	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	lastWrite time.Time
	lastPct   float64
	lastStage string
}

// NewTracker builds a Tracker for one job and epoch. A nil cache skips
// invalidation.
func NewTracker(st Store, c Invalidator, logger *zap.Logger, jobID string, epoch int) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:    st,
		cache:    c,
		log:      logger,
		jobID:    jobID,
		epoch:    epoch,
		interval: DefaultUpdateInterval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Update records a progress callback. A write happens when the stage
// changed, the percentage jumped by at least five points, the job hit
// 100, or the update interval elapsed; everything else is discarded.
// Percentages are clamped to [0,100] and never move backward within an
// epoch. Returns whether a write was persisted.
func (t *Tracker) Update(ctx context.Context, pct float64, stage, msg string, stats *media.ProcessingStats) bool {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	t.mu.Lock()
	if pct < t.lastPct {
		pct = t.lastPct
	}
	write := stage != t.lastStage ||
		pct >= 100 ||
		pct-t.lastPct >= progressWriteDelta ||
		t.now().Sub(t.lastWrite) >= t.interval
	if !write {
		t.mu.Unlock()
		return false
	}
	t.lastWrite = t.now()
	t.lastPct = pct
	t.lastStage = stage
	t.mu.Unlock()

	var statsJSON []byte
	if stats != nil {
		statsJSON, _ = json.Marshal(stats)
	}
	ok, err := t.store.UpdateJobProgress(ctx, t.jobID, t.epoch, pct, stage, msg, statsJSON)
	if err != nil {
		t.log.Warn("persist progress failed", zap.String("job_id", t.jobID), zap.Error(err))
		return false
	}
	if ok {
		t.Invalidate(ctx)
	}
	return ok
}

// Invalidate drops every cache entry whose key mentions the job.
func (t *Tracker) Invalidate(ctx context.Context) {
	if t.cache == nil {
		return
	}
	t.cache.DeletePattern(ctx, "reel:*"+t.jobID+"*")
}
