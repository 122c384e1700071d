package orchestrator

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

// Tests for cached reads, ownership enforcement, and cancellation.

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"reel/internal/cache"
	"reel/internal/errdefs"
	"reel/internal/store"
	"reel/pkg/media"
)

func TestGetJobOwnership(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s, Config{})
	owner := makeKey(t, o, media.TierBasic, false)
	stranger := makeKey(t, o, media.TierBasic, false)
	admin := makeKey(t, o, media.TierEnterprise, true)
	ctx := context.Background()

	job, err := o.Submit(ctx, owner, submitReq("a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := o.GetJob(ctx, owner, job.ID); err != nil {
		t.Fatalf("owner GetJob: %v", err)
	}
	_, err = o.GetJob(ctx, stranger, job.ID)
	if errdefs.CodeOf(err) != errdefs.CodeFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND for stranger, got %v", err)
	}
	if _, err := o.GetJob(ctx, admin, job.ID); err != nil {
		t.Fatalf("admin GetJob: %v", err)
	}

	_, err = o.GetJob(ctx, owner, "no-such-job")
	if errdefs.CodeOf(err) != errdefs.CodeFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND for missing job, got %v", err)
	}
}

func TestGetJobIncludesEvents(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s, Config{})
	key := makeKey(t, o, media.TierBasic, false)
	ctx := context.Background()

	job, err := o.Submit(ctx, key, submitReq("a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stage := "queued"
	ev := media.JobEvent{
		JobID:   job.ID,
		Time:    time.Now().UTC(),
		Level:   media.EventLevelInfo,
		Message: "queued for processing",
		Stage:   &stage,
	}
	if err := s.AppendJobEvent(ctx, ev); err != nil {
		t.Fatalf("AppendJobEvent: %v", err)
	}

	detail, err := o.GetJob(ctx, key, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if detail.Job.ID != job.ID {
		t.Fatalf("expected job %q, got %q", job.ID, detail.Job.ID)
	}
	if len(detail.Events) != 1 || detail.Events[0].Message != "queued for processing" {
		t.Fatalf("unexpected events: %+v", detail.Events)
	}
}

func TestGetJobServesFromCache(t *testing.T) {
	s := newTestStore(t)
	c := cache.New(cache.Options{Logger: zap.NewNop()})
	o := newTestOrchestrator(t, s, Config{Cache: c})
	key := makeKey(t, o, media.TierBasic, false)
	ctx := context.Background()

	job, err := o.Submit(ctx, key, submitReq("a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := o.GetJob(ctx, key, job.ID); err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	// Mutate the record behind the orchestrator's back; the cached
	// entry keeps serving until something invalidates it.
	if _, err := s.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	detail, err := o.GetJob(ctx, key, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if detail.Job.State != media.JobStateQueued {
		t.Fatalf("expected the stale cached state, got %q", detail.Job.State)
	}
}

func TestCancelJobInvalidatesCache(t *testing.T) {
	s := newTestStore(t)
	c := cache.New(cache.Options{Logger: zap.NewNop()})
	o := newTestOrchestrator(t, s, Config{Cache: c})
	key := makeKey(t, o, media.TierBasic, false)
	ctx := context.Background()

	job, err := o.Submit(ctx, key, submitReq("a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := o.GetJob(ctx, key, job.ID); err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	state, err := o.CancelJob(ctx, key, job.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if state != media.JobStateCancelled {
		t.Fatalf("expected cancelled, got %q", state)
	}

	detail, err := o.GetJob(ctx, key, job.ID)
	if err != nil {
		t.Fatalf("GetJob after cancel: %v", err)
	}
	if detail.Job.State != media.JobStateCancelled {
		t.Fatalf("expected fresh cancelled state, got %q", detail.Job.State)
	}
}

func TestCancelJobOwnershipAndTerminal(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s, Config{})
	owner := makeKey(t, o, media.TierBasic, false)
	stranger := makeKey(t, o, media.TierBasic, false)
	ctx := context.Background()

	job, err := o.Submit(ctx, owner, submitReq("a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = o.CancelJob(ctx, stranger, job.ID)
	if errdefs.CodeOf(err) != errdefs.CodeFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND for stranger, got %v", err)
	}

	if _, err := o.CancelJob(ctx, owner, job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	_, err = o.CancelJob(ctx, owner, job.ID)
	if errdefs.CodeOf(err) != errdefs.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED for terminal job, got %v", err)
	}
}

func TestListJobsPinsCredential(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s, Config{})
	alpha := makeKey(t, o, media.TierBasic, false)
	beta := makeKey(t, o, media.TierBasic, false)
	admin := makeKey(t, o, media.TierEnterprise, true)
	ctx := context.Background()

	for _, n := range []string{"a", "b"} {
		if _, err := o.Submit(ctx, alpha, submitReq(n)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if _, err := o.Submit(ctx, beta, submitReq("c")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A non-admin asking for another credential's jobs still gets only
	// their own.
	page, err := o.ListJobs(ctx, beta, store.JobFilter{APIKeyID: alpha.ID})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected 1 job for beta, got %d", page.Total)
	}

	page, err = o.ListJobs(ctx, admin, store.JobFilter{APIKeyID: alpha.ID})
	if err != nil {
		t.Fatalf("admin ListJobs: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 jobs for alpha via admin, got %d", page.Total)
	}

	page, err = o.ListJobs(ctx, admin, store.JobFilter{})
	if err != nil {
		t.Fatalf("admin ListJobs all: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("expected 3 jobs across credentials, got %d", page.Total)
	}
}

func TestListJobsPagination(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s, Config{})
	key := makeKey(t, o, media.TierBasic, false)
	ctx := context.Background()

	for _, n := range []string{"a", "b", "c"} {
		if _, err := o.Submit(ctx, key, submitReq(n)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	page, err := o.ListJobs(ctx, key, store.JobFilter{PerPage: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(page.Jobs) != 2 || page.Total != 3 || page.Page != 1 || page.PerPage != 2 {
		t.Fatalf("unexpected first page: %d jobs, total %d, page %d, per_page %d",
			len(page.Jobs), page.Total, page.Page, page.PerPage)
	}

	page, err = o.ListJobs(ctx, key, store.JobFilter{Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("ListJobs page 2: %v", err)
	}
	if len(page.Jobs) != 1 {
		t.Fatalf("expected 1 job on page 2, got %d", len(page.Jobs))
	}

	// Defaults are normalized into the response metadata.
	page, err = o.ListJobs(ctx, key, store.JobFilter{})
	if err != nil {
		t.Fatalf("ListJobs defaults: %v", err)
	}
	if page.Page != 1 || page.PerPage != 20 {
		t.Fatalf("expected normalized page 1/20, got %d/%d", page.Page, page.PerPage)
	}
}

func TestListJobsStateFilter(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s, Config{})
	key := makeKey(t, o, media.TierBasic, false)
	ctx := context.Background()

	a, err := o.Submit(ctx, key, submitReq("a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := o.Submit(ctx, key, submitReq("b")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := o.CancelJob(ctx, key, a.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	page, err := o.ListJobs(ctx, key, store.JobFilter{State: media.JobStateCancelled})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if page.Total != 1 || page.Jobs[0].ID != a.ID {
		t.Fatalf("unexpected cancelled listing: total %d", page.Total)
	}

	_, err = o.ListJobs(ctx, key, store.JobFilter{State: media.JobState("bogus")})
	if errdefs.CodeOf(err) != errdefs.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED for bogus state, got %v", err)
	}
}

func TestListDeliveriesOwnership(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s, Config{})
	owner := makeKey(t, o, media.TierBasic, false)
	stranger := makeKey(t, o, media.TierBasic, false)
	ctx := context.Background()

	job, err := o.Submit(ctx, owner, submitReq("a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = o.ListDeliveries(ctx, stranger, job.ID)
	if errdefs.CodeOf(err) != errdefs.CodeFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND for stranger, got %v", err)
	}

	deliveries, err := o.ListDeliveries(ctx, owner, job.ID)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(deliveries))
	}
}

func TestGetBatchOwnership(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s, Config{})
	owner := makeKey(t, o, media.TierBasic, false)
	stranger := makeKey(t, o, media.TierBasic, false)
	admin := makeKey(t, o, media.TierEnterprise, true)
	ctx := context.Background()

	b, err := o.SubmitBatch(ctx, owner, BatchRequest{
		Jobs: []SubmitRequest{submitReq("0"), submitReq("1")},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	got, err := o.GetBatch(ctx, owner, b.ID)
	if err != nil {
		t.Fatalf("owner GetBatch: %v", err)
	}
	if got.Total != 2 {
		t.Fatalf("expected total 2, got %d", got.Total)
	}

	_, err = o.GetBatch(ctx, stranger, b.ID)
	if errdefs.CodeOf(err) != errdefs.CodeFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND for stranger, got %v", err)
	}
	if _, err := o.GetBatch(ctx, admin, b.ID); err != nil {
		t.Fatalf("admin GetBatch: %v", err)
	}

	_, err = o.GetBatch(ctx, owner, "no-such-batch")
	if errdefs.CodeOf(err) != errdefs.CodeFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND for missing batch, got %v", err)
	}
}

func TestCancelBatchOwnership(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s, Config{})
	owner := makeKey(t, o, media.TierBasic, false)
	stranger := makeKey(t, o, media.TierBasic, false)
	ctx := context.Background()

	b, err := o.SubmitBatch(ctx, owner, BatchRequest{
		Jobs: []SubmitRequest{submitReq("0"), submitReq("1")},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	_, _, err = o.CancelBatch(ctx, stranger, b.ID)
	if errdefs.CodeOf(err) != errdefs.CodeFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND for stranger, got %v", err)
	}

	cancelled, flagged, err := o.CancelBatch(ctx, owner, b.ID)
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if cancelled != 2 || flagged != 0 {
		t.Fatalf("expected 2 cancelled, 0 flagged; got %d/%d", cancelled, flagged)
	}
}
