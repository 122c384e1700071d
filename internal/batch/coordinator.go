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

// Package batch schedules groups of transcoding jobs under a shared
// concurrency bound. Children are created queued and undispatched; the
// coordinator's periodic tick promotes them into free slots, requeues
// failed children while retry budget remains, and finalizes the batch
// once every child is terminal. Ticks for the same batch are serialized
// by a distributed lock, so running a coordinator in every process is
// safe.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reel/internal/errdefs"
	"reel/internal/lock"
	"reel/internal/metrics"
	"reel/internal/store"
	"reel/pkg/media"
)

const (
	// DefaultTickInterval is how often Run scans active batches.
	DefaultTickInterval = 2 * time.Second

	// DefaultLockTTL bounds how long one scheduling pass may hold the
	// per-batch lock.
	DefaultLockTTL = 30 * time.Second
)

// Store is the persistence surface the coordinator needs. *store.Store
// satisfies it.
type Store interface {
	CreateBatchWithJobs(ctx context.Context, batch *media.Batch, jobs []*media.Job) error
	GetBatch(ctx context.Context, id string) (*media.Batch, error)
	ListActiveBatches(ctx context.Context) ([]*media.Batch, error)
	PromoteBatchJobs(ctx context.Context, batchID string) ([]string, error)
	ListRetryableChildren(ctx context.Context, batchID string, maxEpoch int) ([]store.RetryCandidate, error)
	RequeueJob(ctx context.Context, id string) error
	SyncBatchCounters(ctx context.Context, batchID string) (*media.Batch, error)
	FinalizeBatch(ctx context.Context, batchID string) (bool, error)
	CancelBatch(ctx context.Context, batchID string) (cancelled, flagged int64, err error)
	AppendJobEvent(ctx context.Context, ev media.JobEvent) error
}

// Notifier delivers the final batch status callback. *webhook.Engine
// satisfies it; the batch ID travels in the job ID slot of the
// delivery envelope.
type Notifier interface {
	Send(ctx context.Context, jobID string, event media.WebhookEvent, targetURL string, fields map[string]any, retry bool) bool
}

// Config tunes a Coordinator. Zero values select defaults.
type Config struct {
	// TickInterval is the delay between scheduling passes.
	TickInterval time.Duration

	// LockTTL is the TTL on the per-batch lock held during a pass.
	LockTTL time.Duration

	// Notifier delivers final batch webhooks. Optional.
	Notifier Notifier
}

// Coordinator owns batch scheduling. Correctness across processes
// comes from the per-batch lock and the store's transactional
// promotion, so every process may run one.
type Coordinator struct {
	store    Store
	locker   lock.Locker
	notifier Notifier
	log      *zap.Logger
	tick     time.Duration
	lockTTL  time.Duration
	now      func() time.Time
}

// NewCoordinator builds a Coordinator. A nil locker falls back to a
// process-local one, which is only correct for single-process
// deployments.
func NewCoordinator(st Store, locker lock.Locker, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Coordinator{
		store:    st,
		locker:   locker,
		notifier: cfg.Notifier,
		log:      logger,
		tick:     cfg.TickInterval,
		lockTTL:  cfg.LockTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateBatch persists a batch and its children in one transaction.
// Children are born queued and undispatched; the next tick starts
// promoting them. The concurrency bound is clamped to the allowed
// range and a zero retry budget selects the default.
func (c *Coordinator) CreateBatch(ctx context.Context, batch *media.Batch, children []*media.Job) error {
	if len(children) == 0 {
		return errdefs.Validation("batch requires at least one job")
	}

	now := c.now()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.MaxConcurrency < media.MinBatchConcurrency {
		batch.MaxConcurrency = media.MinBatchConcurrency
	}
	if batch.MaxConcurrency > media.MaxBatchConcurrency {
		batch.MaxConcurrency = media.MaxBatchConcurrency
	}
	if batch.MaxRetries <= 0 {
		batch.MaxRetries = media.DefaultBatchMaxRetries
	}
	batch.Total = len(children)
	batch.Completed, batch.Failed, batch.Processing = 0, 0, 0
	batch.CreatedAt = now
	batch.UpdatedAt = now

	for i, job := range children {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if job.Priority == 0 {
			job.Priority = batch.Priority
		}
		job.State = media.JobStateQueued
		job.Stage = "queued"
		// Stagger creation times so promotion keeps submission order.
		job.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		job.UpdatedAt = job.CreatedAt
	}

	if err := c.store.CreateBatchWithJobs(ctx, batch, children); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	c.log.Info("batch created",
		zap.String("batch_id", batch.ID),
		zap.Int("jobs", batch.Total),
		zap.Int("max_concurrency", batch.MaxConcurrency))
	return nil
}

// Status returns the batch with its stored counters. Counters may lag
// child transitions by up to one tick.
func (c *Coordinator) Status(ctx context.Context, batchID string) (*media.Batch, error) {
	return c.store.GetBatch(ctx, batchID)
}

// Cancel stops a batch: queued children are cancelled outright,
// processing children are flagged for the pipeline's cancel poller,
// and the retry budget is revoked so failed children stay failed. Runs
// under the batch lock so a concurrent tick cannot dispatch into the
// cancellation.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) (cancelled, flagged int64, err error) {
	err = c.locker.WithLock(ctx, lockName(batchID), c.lockTTL, func(ctx context.Context) error {
		var cerr error
		cancelled, flagged, cerr = c.store.CancelBatch(ctx, batchID)
		return cerr
	})
	if err != nil {
		return 0, 0, err
	}
	c.log.Info("batch cancelled",
		zap.String("batch_id", batchID),
		zap.Int64("children_cancelled", cancelled),
		zap.Int64("children_flagged", flagged))
	return cancelled, flagged, nil
}

// Run ticks every active batch until ctx is done. The first pass runs
// immediately so batches stalled by a restart resume without waiting
// out an interval.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("batch coordinator started", zap.Duration("tick_interval", c.tick))
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	c.tickAll(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("batch coordinator stopped")
			return ctx.Err()
		case <-ticker.C:
			c.tickAll(ctx)
		}
	}
}

func (c *Coordinator) tickAll(ctx context.Context) {
	batches, err := c.store.ListActiveBatches(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("list active batches", zap.Error(err))
		}
		return
	}
	for _, b := range batches {
		if ctx.Err() != nil {
			return
		}
		if err := c.Tick(ctx, b.ID); err != nil && ctx.Err() == nil {
			c.log.Warn("batch tick failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}
}

// Tick runs one scheduling pass for a batch: requeue failed children
// with retry budget, promote queued children into free slots, refresh
// the counters, and finalize when every child is terminal. Passes for
// the same batch are serialized by the lock, so concurrent schedulers
// never dispatch past the concurrency bound.
func (c *Coordinator) Tick(ctx context.Context, batchID string) error {
	return c.locker.WithLock(ctx, lockName(batchID), c.lockTTL, func(ctx context.Context) error {
		return c.tickLocked(ctx, batchID)
	})
}

func (c *Coordinator) tickLocked(ctx context.Context, batchID string) error {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.CompletedAt != nil {
		// Finalized between listing and locking.
		return nil
	}

	c.retryFailed(ctx, b)

	promoted, err := c.store.PromoteBatchJobs(ctx, batchID)
	if err != nil {
		return err
	}
	if len(promoted) > 0 {
		c.log.Info("promoted batch jobs",
			zap.String("batch_id", batchID),
			zap.Int("count", len(promoted)))
	}

	// Promotion skips the counter sync when the batch is saturated, and
	// child terminals land outside any tick, so always resync here.
	b, err = c.store.SyncBatchCounters(ctx, batchID)
	if err != nil {
		return err
	}
	if !b.IsTerminal() {
		return nil
	}

	transitioned, err := c.store.FinalizeBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	outcome := string(b.Status())
	metrics.IncBatch(outcome)
	c.log.Info("batch finalized",
		zap.String("batch_id", batchID),
		zap.String("outcome", outcome),
		zap.Int("completed", b.Completed),
		zap.Int("failed", b.Failed))
	c.sendWebhook(ctx, b)
	return nil
}

// retryFailed requeues failed children that still have retry budget.
// Requeue failures are logged and skipped; the next tick sees the same
// candidates again.
func (c *Coordinator) retryFailed(ctx context.Context, b *media.Batch) {
	if b.MaxRetries <= 0 {
		return
	}
	candidates, err := c.store.ListRetryableChildren(ctx, b.ID, b.MaxRetries)
	if err != nil {
		c.log.Warn("list retryable children", zap.String("batch_id", b.ID), zap.Error(err))
		return
	}
	for _, cand := range candidates {
		if err := c.store.RequeueJob(ctx, cand.JobID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				c.log.Warn("requeue batch child",
					zap.String("batch_id", b.ID),
					zap.String("job_id", cand.JobID),
					zap.Error(err))
			}
			// ErrNotFound: the child left the failed state since the
			// scan, nothing to do.
			continue
		}

		stage := "queued"
		ev := media.JobEvent{
			JobID:   cand.JobID,
			Time:    c.now(),
			Level:   media.EventLevelWarn,
			Message: fmt.Sprintf("requeued after failure (retry %d of %d)", cand.Epoch+1, b.MaxRetries),
			Stage:   &stage,
		}
		if err := c.store.AppendJobEvent(ctx, ev); err != nil {
			c.log.Warn("append requeue event", zap.String("job_id", cand.JobID), zap.Error(err))
		}
		c.log.Info("requeued failed batch child",
			zap.String("batch_id", b.ID),
			zap.String("job_id", cand.JobID),
			zap.Int("retry", cand.Epoch+1))
	}
}

// sendWebhook posts the final batch status to the batch callback URL.
func (c *Coordinator) sendWebhook(ctx context.Context, b *media.Batch) {
	if c.notifier == nil || b.WebhookURL == nil || *b.WebhookURL == "" {
		return
	}
	event := media.WebhookEventComplete
	if b.Failed > 0 {
		event = media.WebhookEventError
	}
	fields := map[string]any{
		"batch_id":  b.ID,
		"status":    string(b.Status()),
		"total":     b.Total,
		"completed": b.Completed,
		"failed":    b.Failed,
	}
	if b.Name != "" {
		fields["name"] = b.Name
	}
	c.notifier.Send(ctx, b.ID, event, *b.WebhookURL, fields, true)
}

func lockName(batchID string) string {
	return "batch:" + batchID
}
