package batch

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

// Tests for the coordinator against a real on-disk store, covering
// bounded promotion under concurrent ticks, retry budgets, finalization,
// and cancellation.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"reel/internal/lock"
	"reel/internal/store"
	"reel/pkg/media"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestCoordinator(t *testing.T, s *store.Store, cfg Config) *Coordinator {
	t.Helper()
	return NewCoordinator(s, lock.NewLocal(), cfg, zap.NewNop())
}

func testChildren(prefix string, n int) []*media.Job {
	out := make([]*media.Job, 0, n)
	for i := 0; i < n; i++ {
		job := media.NewJob("mem://in.mp4", fmt.Sprintf("mem://out-%d.mp4", i), json.RawMessage(`[]`), nil)
		job.ID = fmt.Sprintf("%s-child-%d", prefix, i)
		out = append(out, &job)
	}
	return out
}

// runChild leases the next dispatched job and drives it to a terminal
// state. An empty wantID accepts any job.
func runChild(t *testing.T, s *store.Store, wantID string, fail bool) {
	t.Helper()
	ctx := context.Background()

	job, err := s.AcquireQueuedJob(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireQueuedJob failed: %v", err)
	}
	if wantID != "" && job.ID != wantID {
		t.Fatalf("acquired %s, want %s", job.ID, wantID)
	}
	if fail {
		if err := s.FailJob(ctx, job.ID, "w1", job.Epoch, "synthetic failure"); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		return
	}
	if err := s.CompleteJob(ctx, job.ID, "w1", job.Epoch, 1.0, nil, nil); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
}

// countAcquirable drains the dispatch queue and returns how many jobs
// a worker could lease right now.
func countAcquirable(t *testing.T, s *store.Store) int {
	t.Helper()
	ctx := context.Background()

	n := 0
	for {
		_, err := s.AcquireQueuedJob(ctx, "drain", time.Minute)
		if errors.Is(err, store.ErrNotFound) {
			return n
		}
		if err != nil {
			t.Fatalf("AcquireQueuedJob failed: %v", err)
		}
		n++
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type sentHook struct {
	jobID  string
	event  media.WebhookEvent
	url    string
	fields map[string]any
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []sentHook
}

func (f *fakeNotifier) Send(ctx context.Context, jobID string, event media.WebhookEvent, targetURL string, fields map[string]any, retry bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentHook{jobID, event, targetURL, fields})
	return true
}

func (f *fakeNotifier) sent() []sentHook {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentHook(nil), f.sends...)
}

func TestCreateBatchDefaults(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s, Config{})
	ctx := context.Background()

	batch := &media.Batch{Name: "nightly", MaxConcurrency: 50, Priority: 5}
	if err := c.CreateBatch(ctx, batch, testChildren("def", 3)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if batch.ID == "" {
		t.Fatal("expected a generated batch id")
	}
	if batch.MaxConcurrency != media.MaxBatchConcurrency {
		t.Fatalf("expected concurrency clamped to %d, got %d", media.MaxBatchConcurrency, batch.MaxConcurrency)
	}
	if batch.MaxRetries != media.DefaultBatchMaxRetries {
		t.Fatalf("expected default retries, got %d", batch.MaxRetries)
	}

	got, err := s.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.Total != 3 || got.Name != "nightly" {
		t.Fatalf("persisted batch mismatch: %+v", got)
	}

	// Children inherit the batch priority and are born undispatched.
	child, err := s.GetJob(ctx, "def-child-0")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if child.Priority != 5 {
		t.Fatalf("expected inherited priority 5, got %d", child.Priority)
	}
	if child.BatchID == nil || *child.BatchID != batch.ID {
		t.Fatalf("child missing batch id: %+v", child)
	}
	if n := countAcquirable(t, s); n != 0 {
		t.Fatalf("expected no acquirable children before a tick, got %d", n)
	}
}

func TestCreateBatchClampsLowConcurrency(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s, Config{})
	ctx := context.Background()

	batch := &media.Batch{}
	if err := c.CreateBatch(ctx, batch, testChildren("low", 1)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if batch.MaxConcurrency != media.MinBatchConcurrency {
		t.Fatalf("expected concurrency clamped to %d, got %d", media.MinBatchConcurrency, batch.MaxConcurrency)
	}
}

func TestCreateBatchRejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s, Config{})

	err := c.CreateBatch(context.Background(), &media.Batch{}, nil)
	if err == nil || !strings.Contains(err.Error(), "at least one job") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTickPromotesUpToConcurrency(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s, Config{})
	ctx := context.Background()

	batch := &media.Batch{ID: "b-k", MaxConcurrency: 2}
	if err := c.CreateBatch(ctx, batch, testChildren("k", 3)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := c.Tick(ctx, "b-k"); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if n := countAcquirable(t, s); n != 2 {
		t.Fatalf("expected exactly 2 dispatched children, got %d", n)
	}

	got, err := s.GetBatch(ctx, "b-k")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.Processing != 2 {
		t.Fatalf("expected 2 processing, got %+v", got)
	}
	if got.StartedAt == nil {
		t.Fatal("expected started_at set after first promotion")
	}
}

func TestConcurrentTicksRespectConcurrency(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s, Config{})
	ctx := context.Background()

	batch := &media.Batch{ID: "b-conc", MaxConcurrency: 2}
	if err := c.CreateBatch(ctx, batch, testChildren("conc", 3)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Tick(ctx, "b-conc"); err != nil {
				t.Errorf("Tick failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := countAcquirable(t, s); n != 2 {
		t.Fatalf("expected exactly 2 dispatched after concurrent ticks, got %d", n)
	}
}

func TestTickPromotesAsSlotsFree(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s, Config{})
	ctx := context.Background()

	batch := &media.Batch{ID: "b-slot", MaxConcurrency: 1}
	if err := c.CreateBatch(ctx, batch, testChildren("slot", 2)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := c.Tick(ctx, "b-slot"); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	runChild(t, s, "slot-child-0", false)

	if err := c.Tick(ctx, "b-slot"); err != nil {
		t.Fatalf("Tick (2) failed: %v", err)
	}
	runChild(t, s, "slot-child-1", false)

	got, err := s.GetBatch(ctx, "b-slot")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.Completed != 1 {
		t.Fatalf("expected completed counter synced to 1, got %+v", got)
	}
}

func TestTickRetriesFailedChild(t *testing.T) {
	s := newTestStore(t)
	notifier := &fakeNotifier{}
	c := newTestCoordinator(t, s, Config{Notifier: notifier})
	ctx := context.Background()

	url := "https://example.com/hook"
	batch := &media.Batch{ID: "b-retry", MaxConcurrency: 1, MaxRetries: 1, WebhookURL: &url}
	if err := c.CreateBatch(ctx, batch, testChildren("retry", 1)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := c.Tick(ctx, "b-retry"); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	runChild(t, s, "retry-child-0", true)

	// The next tick requeues the failed child and re-promotes it in the
	// same pass.
	if err := c.Tick(ctx, "b-retry"); err != nil {
		t.Fatalf("Tick (2) failed: %v", err)
	}
	job, err := s.GetJob(ctx, "retry-child-0")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.State != media.JobStateQueued || job.Epoch != 1 {
		t.Fatalf("expected requeued child at epoch 1, got state=%s epoch=%d", job.State, job.Epoch)
	}

	events, err := s.ListJobEvents(ctx, "retry-child-0", 50)
	if err != nil {
		t.Fatalf("ListJobEvents failed: %v", err)
	}
	found := false
	for _, ev := range events {
		if strings.Contains(ev.Message, "requeued after failure (retry 1 of 1)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a requeue event, got %+v", events)
	}

	// Second failure exhausts the budget: the batch finalizes as failed.
	runChild(t, s, "retry-child-0", true)
	if err := c.Tick(ctx, "b-retry"); err != nil {
		t.Fatalf("Tick (3) failed: %v", err)
	}

	got, err := s.GetBatch(ctx, "b-retry")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.CompletedAt == nil || got.Failed != 1 {
		t.Fatalf("expected finalized batch with 1 failure, got %+v", got)
	}

	sent := notifier.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one batch webhook, got %d", len(sent))
	}
	if sent[0].jobID != "b-retry" || sent[0].event != media.WebhookEventError {
		t.Fatalf("unexpected webhook: %+v", sent[0])
	}
	if sent[0].fields["status"] != string(media.BatchStatusFailed) {
		t.Fatalf("expected failed status, got %v", sent[0].fields["status"])
	}

	// A further tick is a no-op on the finalized batch.
	if err := c.Tick(ctx, "b-retry"); err != nil {
		t.Fatalf("Tick (4) failed: %v", err)
	}
	if len(notifier.sent()) != 1 {
		t.Fatal("expected no second webhook for a finalized batch")
	}
}

func TestTickFinalizesCompletedBatchOnce(t *testing.T) {
	s := newTestStore(t)
	notifier := &fakeNotifier{}
	c := newTestCoordinator(t, s, Config{Notifier: notifier})
	ctx := context.Background()

	url := "https://example.com/batch-hook"
	batch := &media.Batch{ID: "b-done", Name: "encode set", MaxConcurrency: 2, WebhookURL: &url}
	if err := c.CreateBatch(ctx, batch, testChildren("done", 2)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := c.Tick(ctx, "b-done"); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	runChild(t, s, "", false)
	runChild(t, s, "", false)

	if err := c.Tick(ctx, "b-done"); err != nil {
		t.Fatalf("Tick (2) failed: %v", err)
	}

	sent := notifier.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one batch webhook, got %d", len(sent))
	}
	hook := sent[0]
	if hook.jobID != "b-done" || hook.event != media.WebhookEventComplete || hook.url != url {
		t.Fatalf("unexpected webhook: %+v", hook)
	}
	if hook.fields["status"] != string(media.BatchStatusCompleted) {
		t.Fatalf("expected completed status, got %v", hook.fields["status"])
	}
	if hook.fields["total"] != 2 || hook.fields["completed"] != 2 || hook.fields["failed"] != 0 {
		t.Fatalf("unexpected counter fields: %+v", hook.fields)
	}
	if hook.fields["name"] != "encode set" {
		t.Fatalf("expected batch name in fields, got %+v", hook.fields)
	}

	active, err := s.ListActiveBatches(ctx)
	if err != nil {
		t.Fatalf("ListActiveBatches failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active batches, got %+v", active)
	}

	if err := c.Tick(ctx, "b-done"); err != nil {
		t.Fatalf("Tick (3) failed: %v", err)
	}
	if len(notifier.sent()) != 1 {
		t.Fatal("expected the final webhook to fire exactly once")
	}
}

func TestCancelRevokesRetryBudget(t *testing.T) {
	s := newTestStore(t)
	notifier := &fakeNotifier{}
	c := newTestCoordinator(t, s, Config{Notifier: notifier})
	ctx := context.Background()

	url := "https://example.com/hook"
	batch := &media.Batch{ID: "b-cx", MaxConcurrency: 1, WebhookURL: &url}
	if err := c.CreateBatch(ctx, batch, testChildren("cx", 3)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := c.Tick(ctx, "b-cx"); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	runChild(t, s, "cx-child-0", true)

	cancelled, flagged, err := c.Cancel(ctx, "b-cx")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled != 2 || flagged != 0 {
		t.Fatalf("expected 2 cancelled and 0 flagged, got %d/%d", cancelled, flagged)
	}

	got, err := s.GetBatch(ctx, "b-cx")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.MaxRetries != 0 {
		t.Fatalf("expected retry budget revoked, got %d", got.MaxRetries)
	}

	// The failed child stays failed: no requeue, no dispatch.
	if err := c.Tick(ctx, "b-cx"); err != nil {
		t.Fatalf("Tick (after cancel) failed: %v", err)
	}
	job, err := s.GetJob(ctx, "cx-child-0")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.State != media.JobStateFailed || job.Epoch != 0 {
		t.Fatalf("expected failed child untouched, got state=%s epoch=%d", job.State, job.Epoch)
	}
	if n := countAcquirable(t, s); n != 0 {
		t.Fatalf("expected nothing dispatched after cancel, got %d", n)
	}

	// Everything is terminal, so the cancelled batch finalizes.
	got, err = s.GetBatch(ctx, "b-cx")
	if err != nil {
		t.Fatalf("GetBatch (2) failed: %v", err)
	}
	if got.CompletedAt == nil || got.Failed != 3 {
		t.Fatalf("expected finalized batch with 3 failures, got %+v", got)
	}
	sent := notifier.sent()
	if len(sent) != 1 || sent[0].event != media.WebhookEventError {
		t.Fatalf("expected one error webhook, got %+v", sent)
	}
}

func TestCancelFlagsProcessingChildren(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s, Config{})
	ctx := context.Background()

	batch := &media.Batch{ID: "b-flag", MaxConcurrency: 1}
	if err := c.CreateBatch(ctx, batch, testChildren("flag", 1)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if err := c.Tick(ctx, "b-flag"); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if _, err := s.AcquireQueuedJob(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("AcquireQueuedJob failed: %v", err)
	}

	cancelled, flagged, err := c.Cancel(ctx, "b-flag")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled != 0 || flagged != 1 {
		t.Fatalf("expected 0 cancelled and 1 flagged, got %d/%d", cancelled, flagged)
	}
	requested, err := s.CancelRequested(ctx, "flag-child-0")
	if err != nil {
		t.Fatalf("CancelRequested failed: %v", err)
	}
	if !requested {
		t.Fatal("expected the processing child flagged for cancellation")
	}
}

func TestCancelMissingBatch(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s, Config{})

	if _, _, err := c.Cancel(context.Background(), "no-such-batch"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunDrivesBatchToCompletion(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s, Config{TickInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batch := &media.Batch{ID: "b-run", MaxConcurrency: 1}
	if err := c.CreateBatch(ctx, batch, testChildren("run", 1)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	// Wait for promotion, act as the worker, then wait for finalize.
	waitFor(t, 2*time.Second, func() bool {
		job, err := s.GetJob(context.Background(), "run-child-0")
		if err != nil {
			return false
		}
		if job.State != media.JobStateQueued {
			return false
		}
		_, err = s.AcquireQueuedJob(context.Background(), "w1", time.Minute)
		return err == nil
	})
	if err := s.CompleteJob(context.Background(), "run-child-0", "w1", 0, 1.0, nil, nil); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, err := s.GetBatch(context.Background(), "b-run")
		return err == nil && got.CompletedAt != nil
	})

	cancel()
	<-done
}
