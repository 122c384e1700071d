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

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"reel/internal/cache"
	"reel/internal/errdefs"
	"reel/internal/store"
	"reel/pkg/media"
)

// JobDetail is a job plus its recent event log.
type JobDetail struct {
	Job    *media.Job       `json:"job"`
	Events []media.JobEvent `json:"events,omitempty"`
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs    []*media.Job `json:"jobs"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
}

// GetJob returns an owned job with its event log. Jobs owned by other
// credentials read as not found so ids cannot be probed.
func (o *Orchestrator) GetJob(ctx context.Context, key *media.APIKey, jobID string) (*JobDetail, error) {
	// The cache key carries the credential because the ownership check
	// happens before caching; the job id stays in the key so pattern
	// invalidation by job id reaches every copy.
	cacheKey := cache.Key("job_status", key.ID, jobID)
	if o.cache != nil {
		var detail JobDetail
		if o.cache.GetInto(ctx, cacheKey, &detail) {
			return &detail, nil
		}
	}

	job, err := o.ownedJob(ctx, key, jobID)
	if err != nil {
		return nil, err
	}
	events, err := o.store.ListJobEvents(ctx, jobID, maxEventsPerJob)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	detail := &JobDetail{Job: job, Events: events}
	if o.cache != nil {
		_ = o.cache.SetCategory(ctx, cacheKey, detail, cache.CategoryJobStatus)
	}
	return detail, nil
}

// ListJobs returns one page of the credential's jobs, newest first.
// Admin credentials may list across credentials by leaving or setting
// the filter's APIKeyID; everyone else is pinned to their own.
func (o *Orchestrator) ListJobs(ctx context.Context, key *media.APIKey, filter store.JobFilter) (*JobPage, error) {
	if !key.Admin {
		filter.APIKeyID = key.ID
	}
	normalizeFilter(&filter)
	if filter.State != "" && !filter.State.Valid() {
		return nil, errdefs.Validationf("unknown job state %q", filter.State)
	}

	// Cross-credential listings skip the cache: invalidation is keyed
	// per credential and cannot cover them.
	cacheable := o.cache != nil && filter.APIKeyID == key.ID
	cacheKey := cache.Key("job_list", filter.APIKeyID, filter)
	if cacheable {
		var page JobPage
		if o.cache.GetInto(ctx, cacheKey, &page) {
			return &page, nil
		}
	}

	jobs, total, err := o.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	page := &JobPage{Jobs: jobs, Total: total, Page: filter.Page, PerPage: filter.PerPage}
	if page.Jobs == nil {
		page.Jobs = []*media.Job{}
	}
	if cacheable {
		_ = o.cache.SetCategory(ctx, cacheKey, page, cache.CategoryJobList)
	}
	return page, nil
}

// ListDeliveries returns the webhook delivery log for an owned job.
func (o *Orchestrator) ListDeliveries(ctx context.Context, key *media.APIKey, jobID string) ([]*media.WebhookDelivery, error) {
	if _, err := o.ownedJob(ctx, key, jobID); err != nil {
		return nil, err
	}
	deliveries, err := o.store.ListDeliveriesByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return deliveries, nil
}

// GetBatch returns an owned batch with its live counters. Counter
// freshness follows the coordinator tick, so reads may trail child
// transitions briefly.
func (o *Orchestrator) GetBatch(ctx context.Context, key *media.APIKey, batchID string) (*media.Batch, error) {
	if o.batches == nil {
		return nil, errdefs.New(errdefs.CodeInternal, errdefs.KindConfiguration, "batch scheduling is not enabled")
	}
	b, err := o.batches.Status(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("batch not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if err := o.ownsBatch(ctx, key, batchID); err != nil {
		return nil, err
	}
	return b, nil
}

func (o *Orchestrator) ownedJob(ctx context.Context, key *media.APIKey, jobID string) (*media.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if !allowed(key, job) {
		return nil, errdefs.NotFound("job not found")
	}
	return job, nil
}

// ownsBatch checks batch ownership through the children, since batches
// do not carry a credential column. Admins see every batch.
func (o *Orchestrator) ownsBatch(ctx context.Context, key *media.APIKey, batchID string) error {
	if key.Admin {
		return nil
	}
	_, total, err := o.store.ListJobs(ctx, store.JobFilter{
		APIKeyID: key.ID,
		BatchID:  batchID,
		PerPage:  1,
	})
	if err != nil {
		return fmt.Errorf("check batch ownership: %w", err)
	}
	if total == 0 {
		return errdefs.NotFound("batch not found")
	}
	return nil
}

func allowed(key *media.APIKey, job *media.Job) bool {
	if key.Admin {
		return true
	}
	return job.APIKeyID != nil && *job.APIKeyID == key.ID
}

// normalizeFilter mirrors the store's pagination defaults so cache
// keys and response metadata agree with what is actually served.
func normalizeFilter(f *store.JobFilter) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 20
	}
	if f.PerPage > 100 {
		f.PerPage = 100
	}
}
