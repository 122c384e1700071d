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
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reel/internal/store"
	"reel/pkg/media"
)

// WorkerConfig controls polling and leasing behavior.
type WorkerConfig struct {
	// WorkerID identifies this worker in leases and job records.
	// Defaults to hostname plus a random suffix.
	WorkerID string
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int
	// PollInterval is the idle wait between acquisition attempts.
	PollInterval time.Duration
	// LeaseTTL is how long an acquired job stays owned without a
	// heartbeat.
	LeaseTTL time.Duration
	// ExtendLeaseEvery is the heartbeat cadence; defaults to half the
	// lease TTL.
	ExtendLeaseEvery time.Duration
	// StealInterval is how often expired leases are scanned for.
	StealInterval time.Duration
	// StealBatch caps how many expired leases one scan recovers.
	StealBatch int
}

// Worker drains the job queue. Each concurrency slot runs the
// acquire-process loop; a janitor goroutine recovers jobs whose owner
// died mid-run.
type Worker struct {
	store    Store
	pipeline *Pipeline
	cfg      WorkerConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewWorker constructs a Worker, applying defaults for any unset
// config values.
func NewWorker(st Store, pipeline *Pipeline, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.ExtendLeaseEvery <= 0 || cfg.ExtendLeaseEvery >= cfg.LeaseTTL {
		cfg.ExtendLeaseEvery = cfg.LeaseTTL / 2
	}
	if cfg.StealInterval <= 0 {
		cfg.StealInterval = cfg.LeaseTTL
	}
	if cfg.StealBatch <= 0 {
		cfg.StealBatch = 5
	}
	return &Worker{
		store:    st,
		pipeline: pipeline,
		cfg:      cfg,
		log:      logger.With(zap.String("worker_id", cfg.WorkerID)),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until the context is cancelled, processing jobs as they
// become available.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("lease_ttl", w.cfg.LeaseTTL))

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.janitor(ctx)
	}()
	wg.Wait()

	w.log.Info("worker stopped")
	return ctx.Err()
}

func (w *Worker) runLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		job, err := w.store.AcquireQueuedJob(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
		if err == nil {
			w.process(ctx, job)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			w.log.Warn("acquire job failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// process runs one job with a heartbeat goroutine keeping the lease
// alive. Losing the lease cancels the run so two workers never
// transcode the same epoch.
func (w *Worker) process(ctx context.Context, job *media.Job) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.heartbeat(runCtx, job.ID, cancel)
	}()

	err := w.pipeline.Execute(runCtx, job, w.cfg.WorkerID)
	cancel()
	<-done
	if err != nil {
		w.log.Warn("job did not complete",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

func (w *Worker) heartbeat(ctx context.Context, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.ExtendLeaseEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := w.store.ExtendLease(ctx, jobID, w.cfg.WorkerID, w.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("extend lease failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if !ok {
			w.log.Warn("lease lost, stopping job", zap.String("job_id", jobID))
			cancel()
			return
		}
	}
}

// janitor periodically recovers jobs whose lease expired because the
// owning worker died. Stolen jobs restart from scratch at a new epoch.
func (w *Worker) janitor(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StealInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.stealExpired(ctx)
	}
}

func (w *Worker) stealExpired(ctx context.Context) {
	ids, err := w.store.ListExpiredLeases(ctx, w.now(), w.cfg.StealBatch)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("list expired leases failed", zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		ok, err := w.store.StealExpiredLease(ctx, id, w.cfg.WorkerID, w.cfg.LeaseTTL)
		if err != nil {
			w.log.Warn("steal lease failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if !ok {
			// Another worker got there first.
			continue
		}
		job, err := w.store.GetJob(ctx, id)
		if err != nil {
			w.log.Warn("load stolen job failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		w.log.Warn("stole expired lease",
			zap.String("job_id", id),
			zap.Int("epoch", job.Epoch))
		w.process(ctx, job)
	}
}
