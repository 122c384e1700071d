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
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reel/internal/errdefs"
	"reel/internal/ffmpeg"
	"reel/internal/storage"
	"reel/internal/webhook"
	"reel/pkg/media"
)

// SubmitRequest is a single job submission after wire decoding.
type SubmitRequest struct {
	InputPath  string
	OutputPath string
	Operations json.RawMessage
	Options    json.RawMessage
	WebhookURL string
	Priority   int

	// BatchID is parsed from the wire for a precise error; jobs cannot
	// join an existing batch because batch totals are fixed at creation.
	BatchID string
}

// BatchRequest groups child submissions under shared scheduling
// settings.
type BatchRequest struct {
	Name           string
	MaxConcurrency int
	Priority       int
	MaxRetries     int
	WebhookURL     string
	Jobs           []SubmitRequest
}

// Submit validates a job end to end and persists it ready for
// dispatch. The returned job is the caller's receipt; processing
// happens asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, key *media.APIKey, req SubmitRequest) (*media.Job, error) {
	if req.BatchID != "" {
		return nil, errdefs.Validation("jobs cannot join an existing batch; submit the batch as a unit")
	}
	if err := o.validateSubmission(ctx, key, &req); err != nil {
		return nil, err
	}
	if err := o.enforceConcurrencyCap(ctx, key); err != nil {
		return nil, err
	}

	job := media.NewJob(req.InputPath, req.OutputPath, req.Operations, req.Options)
	job.ID = uuid.NewString()
	job.APIKeyID = &key.ID
	job.Priority = req.Priority
	if req.WebhookURL != "" {
		u := req.WebhookURL
		job.WebhookURL = &u
	}

	if err := o.store.InsertJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	o.invalidateLists(ctx, key.ID)
	o.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("api_key_id", key.ID),
		zap.Int("priority", job.Priority))
	return &job, nil
}

// SubmitBatch validates every child, then creates the batch and its
// children in one transaction. Children start undispatched; the batch
// coordinator promotes them under the concurrency bound.
func (o *Orchestrator) SubmitBatch(ctx context.Context, key *media.APIKey, req BatchRequest) (*media.Batch, error) {
	if o.batches == nil {
		return nil, errdefs.New(errdefs.CodeInternal, errdefs.KindConfiguration, "batch scheduling is not enabled")
	}
	if len(req.Jobs) == 0 {
		return nil, errdefs.Validation("batch requires at least one job")
	}
	if req.WebhookURL != "" {
		if err := webhook.ValidateURL(req.WebhookURL, o.production); err != nil {
			return nil, err
		}
	}

	children := make([]*media.Job, 0, len(req.Jobs))
	for i := range req.Jobs {
		child := &req.Jobs[i]
		if child.BatchID != "" {
			return nil, errdefs.Validationf("job %d: batch_id is implied by the batch submission", i)
		}
		if err := o.validateSubmission(ctx, key, child); err != nil {
			return nil, errdefs.AsError(err).WithDetail("job_index", i)
		}
		job := media.NewJob(child.InputPath, child.OutputPath, child.Operations, child.Options)
		job.APIKeyID = &key.ID
		job.Priority = child.Priority
		if child.WebhookURL != "" {
			u := child.WebhookURL
			job.WebhookURL = &u
		}
		children = append(children, &job)
	}

	// The tier bounds simultaneous processing; promotion enforces it
	// through the batch concurrency cap.
	maxConc := req.MaxConcurrency
	if tierMax := key.Tier.Limits().MaxConcurrentJobs; maxConc > tierMax {
		maxConc = tierMax
	}

	b := &media.Batch{
		Name:           req.Name,
		MaxConcurrency: maxConc,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
	}
	if req.WebhookURL != "" {
		u := req.WebhookURL
		b.WebhookURL = &u
	}

	if err := o.batches.CreateBatch(ctx, b, children); err != nil {
		return nil, err
	}
	o.invalidateLists(ctx, key.ID)
	return b, nil
}

// validateSubmission runs every check that can fail a submission
// before anything is persisted: locator syntax and scheme, operation
// decoding, a full command build against placeholder paths, webhook
// target, and the tier file size cap when the input is already
// visible to its backend.
func (o *Orchestrator) validateSubmission(ctx context.Context, key *media.APIKey, req *SubmitRequest) error {
	inLoc, err := storage.ParseLocator(req.InputPath)
	if err != nil {
		return err
	}
	outLoc, err := storage.ParseLocator(req.OutputPath)
	if err != nil {
		return err
	}
	inBackend, err := o.resolver.Resolve(inLoc)
	if err != nil {
		return errdefs.Validationf("unknown storage scheme %q", inLoc.Scheme)
	}
	if _, err := o.resolver.Resolve(outLoc); err != nil {
		return errdefs.Validationf("unknown storage scheme %q", outLoc.Scheme)
	}

	var ops []media.Operation
	if len(req.Operations) > 0 {
		if err := json.Unmarshal(req.Operations, &ops); err != nil {
			return errdefs.Validationf("invalid operations: %v", err)
		}
	}
	opts := map[string]any{}
	if len(req.Options) > 0 {
		if err := json.Unmarshal(req.Options, &opts); err != nil {
			return errdefs.Validationf("invalid options: %v", err)
		}
	}

	// Build the full argv now so a job that would fail command
	// construction is rejected at submission instead of burning a
	// worker slot. Accelerators are worker-local; software encoding is
	// assumed here and the worker re-builds with what it detects.
	if _, err := ffmpeg.BuildCommand(ffmpeg.BuildRequest{
		Input:      inLoc.Path,
		Output:     outLoc.Path,
		Options:    opts,
		Operations: ops,
	}); err != nil {
		return err
	}

	if req.WebhookURL != "" {
		if err := webhook.ValidateURL(req.WebhookURL, o.production); err != nil {
			return err
		}
	}

	// Size enforcement is best-effort: inputs uploaded after submission
	// are checked again by the worker at download time.
	if info, err := inBackend.Stat(ctx, inLoc.Path); err == nil {
		if limit := key.Tier.Limits().MaxFileSize; info.Size > limit {
			return errdefs.Validationf("input exceeds the %s tier size limit", key.Tier).
				WithDetail("max_file_size", limit).
				WithDetail("file_size", info.Size)
		}
	}
	return nil
}

// enforceConcurrencyCap rejects a submission when the credential
// already has its tier's worth of queued and processing jobs.
func (o *Orchestrator) enforceConcurrencyCap(ctx context.Context, key *media.APIKey) error {
	limits := key.Tier.Limits()
	active, err := o.store.CountActiveJobsByKey(ctx, key.ID)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	if active >= limits.MaxConcurrentJobs {
		return errdefs.Newf(errdefs.CodeRateLimited, errdefs.KindRateLimit,
			"concurrent job limit reached for the %s tier", key.Tier).
			WithDetail("max_concurrent_jobs", limits.MaxConcurrentJobs).
			WithDetail("active_jobs", active)
	}
	return nil
}
