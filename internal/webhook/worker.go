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

package webhook

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"reel/pkg/media"
)

// RetryStore extends Store with the polling queries the worker runs.
type RetryStore interface {
	Store
	ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*media.WebhookDelivery, error)
	PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkerConfig controls batch size, concurrency, and timings.
type WorkerConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxConcurrent   int
	CleanupInterval time.Duration
	RetentionAge    time.Duration
}

// Worker re-sends due webhook retries and sweeps expired delivery
// records. One worker per process is enough: claiming is atomic, so
// extra replicas are safe but redundant.
type Worker struct {
	engine *Engine
	store  RetryStore
	cfg    WorkerConfig
	log    *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	now     func() time.Time
}

// NewWorker builds a retry worker around engine. Zero config fields
// take defaults.
func NewWorker(engine *Engine, st RetryStore, cfg WorkerConfig, log *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = 7 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{engine: engine, store: st, cfg: cfg, log: log, ctx: ctx, cancel: cancel, now: time.Now}
}

// Start launches the retry and cleanup loops. Calling Start twice is a
// no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.log.Info("webhook retry worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("poll_interval", w.cfg.PollInterval))
	w.wg.Add(1)
	go w.processLoop()
	w.wg.Add(1)
	go w.cleanupLoop()
}

// Stop cancels the loops and waits for in-flight sends to settle.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	w.cancel()
	done := make(chan struct{})
	go func() { w.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		w.log.Warn("webhook retry worker stop timed out")
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processDue(w.ctx)
		}
	}
}

// processDue claims one batch of due retries and re-sends them with
// bounded concurrency. Returns the number of deliveries claimed.
func (w *Worker) processDue(ctx context.Context) int {
	due, err := w.store.ClaimDueRetries(ctx, w.now().UTC(), w.cfg.BatchSize)
	if err != nil {
		w.log.Error("claim due webhook retries", zap.Error(err))
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	sem := make(chan struct{}, w.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, d := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(d *media.WebhookDelivery) {
			defer wg.Done()
			defer func() { <-sem }()
			w.engine.Resend(ctx, d)
		}(d)
	}
	wg.Wait()
	return len(due)
}

func (w *Worker) cleanupLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep(w.ctx)
		}
	}
}

// sweep purges terminal delivery records older than the retention age.
func (w *Worker) sweep(ctx context.Context) {
	cutoff := w.now().UTC().Add(-w.cfg.RetentionAge)
	n, err := w.store.PurgeDeliveriesBefore(ctx, cutoff)
	if err != nil {
		w.log.Error("purge webhook deliveries", zap.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("purged webhook deliveries", zap.Int64("count", n))
	}
}
