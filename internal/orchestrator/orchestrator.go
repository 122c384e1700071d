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

// Package orchestrator is the control plane for job intake. It validates
// submissions before a worker ever sees them, enforces per-tier quotas,
// and owns cancellation, retention cleanup, and the admin credential
// lifecycle. Reads are served through the cache; the worker pipeline
// invalidates by job id on every transition, so a cached entry never
// outlives a state change by more than its category TTL.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reel/internal/batch"
	"reel/internal/cache"
	"reel/internal/errdefs"
	"reel/internal/storage"
	"reel/internal/store"
	"reel/pkg/media"
)

// DefaultRetentionDays is how long terminal jobs are kept before the
// cleanup endpoint deletes them.
const DefaultRetentionDays = 30

// maxEventsPerJob bounds the event log attached to a job detail read.
const maxEventsPerJob = 100

// Store defines the persistence operations required by this package.
// *store.Store satisfies it.
type Store interface {
	InsertJob(ctx context.Context, job *media.Job) error
	GetJob(ctx context.Context, id string) (*media.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*media.Job, int, error)
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]media.JobEvent, error)
	ListDeliveriesByJob(ctx context.Context, jobID string) ([]*media.WebhookDelivery, error)
	GetDeliveryStats(ctx context.Context) (*store.DeliveryStats, error)
	CancelJob(ctx context.Context, id string) (media.JobState, error)
	CountActiveJobsByKey(ctx context.Context, apiKeyID string) (int, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	InsertAPIKey(ctx context.Context, key *media.APIKey) error
	GetAPIKeyByID(ctx context.Context, id string) (*media.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*media.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// Config carries the orchestrator's collaborators and tuning.
type Config struct {
	// Batches schedules grouped submissions. Required for SubmitBatch,
	// GetBatch, and CancelBatch.
	Batches *batch.Coordinator

	// Cache may be nil, which disables read caching.
	Cache *cache.Cache

	// Pepper keys credential hashing; must match the API layer's.
	Pepper string

	// Production tightens webhook target validation.
	Production bool

	RetentionDays int
}

// Orchestrator fronts the store for everything the HTTP surface does.
type Orchestrator struct {
	store      Store
	resolver   *storage.Resolver
	batches    *batch.Coordinator
	cache      *cache.Cache
	pepper     string
	production bool
	retention  time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// New constructs an Orchestrator.
func New(st Store, resolver *storage.Resolver, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	days := cfg.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return &Orchestrator{
		store:      st,
		resolver:   resolver,
		batches:    cfg.Batches,
		cache:      cfg.Cache,
		pepper:     cfg.Pepper,
		production: cfg.Production,
		retention:  time.Duration(days) * 24 * time.Hour,
		log:        logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CancelJob requests cancellation of an owned job. Queued jobs cancel
// immediately; processing jobs are flagged and cancel when the worker
// observes the flag. Terminal jobs are a validation error.
func (o *Orchestrator) CancelJob(ctx context.Context, key *media.APIKey, jobID string) (media.JobState, error) {
	if _, err := o.ownedJob(ctx, key, jobID); err != nil {
		return "", err
	}
	state, err := o.store.CancelJob(ctx, jobID)
	if errors.Is(err, store.ErrTerminalState) {
		return state, errdefs.Validationf("job is already %s", state)
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", errdefs.NotFound("job not found")
	}
	if err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}
	o.invalidateJob(ctx, jobID)
	o.invalidateLists(ctx, key.ID)
	o.log.Info("job cancellation requested",
		zap.String("job_id", jobID),
		zap.String("state", string(state)))
	return state, nil
}

// CancelBatch cancels an owned batch: queued children are cancelled,
// processing children flagged, and the retry budget revoked.
func (o *Orchestrator) CancelBatch(ctx context.Context, key *media.APIKey, batchID string) (cancelled, flagged int64, err error) {
	if o.batches == nil {
		return 0, 0, errdefs.New(errdefs.CodeInternal, errdefs.KindConfiguration, "batch scheduling is not enabled")
	}
	if err := o.ownsBatch(ctx, key, batchID); err != nil {
		return 0, 0, err
	}
	cancelled, flagged, err = o.batches.Cancel(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, 0, errdefs.NotFound("batch not found")
	}
	if err != nil {
		return 0, 0, fmt.Errorf("cancel batch: %w", err)
	}
	o.invalidateLists(ctx, key.ID)
	return cancelled, flagged, nil
}

// CleanupTerminal deletes terminal jobs older than the retention
// window. A zero olderThan uses the configured default.
func (o *Orchestrator) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = o.retention
	}
	cutoff := o.now().Add(-olderThan)
	n, err := o.store.DeleteTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal jobs: %w", err)
	}
	if n > 0 {
		o.log.Info("terminal jobs purged",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// StorageStatus probes every registered backend.
func (o *Orchestrator) StorageStatus(ctx context.Context) map[string]string {
	return o.resolver.Status(ctx)
}

func (o *Orchestrator) invalidateJob(ctx context.Context, jobID string) {
	if o.cache == nil {
		return
	}
	o.cache.DeletePattern(ctx, cache.Namespace+":*"+jobID+"*")
}

func (o *Orchestrator) invalidateLists(ctx context.Context, apiKeyID string) {
	if o.cache == nil {
		return
	}
	o.cache.DeletePattern(ctx, cache.Key("job_list", apiKeyID)+":*")
}
