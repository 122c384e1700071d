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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reel/pkg/media"
)

const batchColumns = `id, name, total, completed, failed, processing, max_concurrency, priority, max_retries, webhook_url, created_at, updated_at, started_at, completed_at`

func scanBatch(r rowScanner) (*media.Batch, error) {
	var row struct {
		id, name               string
		total, completed       int
		failed, processing     int
		maxConcurrency         int
		priority, maxRetries   int
		webhookURL             sql.NullString
		createdAt, updatedAt   time.Time
		startedAt, completedAt sql.NullTime
	}
	err := r.Scan(
		&row.id, &row.name, &row.total, &row.completed, &row.failed,
		&row.processing, &row.maxConcurrency, &row.priority, &row.maxRetries,
		&row.webhookURL, &row.createdAt, &row.updatedAt, &row.startedAt, &row.completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return &media.Batch{
		ID:             row.id,
		Name:           row.name,
		Total:          row.total,
		Completed:      row.completed,
		Failed:         row.failed,
		Processing:     row.processing,
		MaxConcurrency: row.maxConcurrency,
		Priority:       row.priority,
		MaxRetries:     row.maxRetries,
		WebhookURL:     fromNullStringPtr(row.webhookURL),
		CreatedAt:      row.createdAt.UTC(),
		UpdatedAt:      row.updatedAt.UTC(),
		StartedAt:      fromNullTimePtr(row.startedAt),
		CompletedAt:    fromNullTimePtr(row.completedAt),
	}, nil
}

// CreateBatchWithJobs inserts a batch and its children in one
// transaction. Children are born queued and undispatched; the
// coordinator promotes them up to the concurrency bound.
func (s *Store) CreateBatchWithJobs(ctx context.Context, batch *media.Batch, jobs []*media.Job) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `
INSERT INTO batches (id, name, total, completed, failed, processing, max_concurrency, priority, max_retries, webhook_url, created_at, updated_at)
VALUES (?, ?, ?, 0, 0, 0, ?, ?, ?, ?, ?, ?);`
		_, err := tx.ExecContext(ctx, ins,
			batch.ID, batch.Name, batch.Total, batch.MaxConcurrency,
			batch.Priority, batch.MaxRetries, nullStringPtr(batch.WebhookURL),
			batch.CreatedAt.UTC(), batch.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		for _, job := range jobs {
			job.BatchID = &batch.ID
			if err := s.insertJob(ctx, tx, job, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*media.Batch, error) {
	q := `SELECT ` + batchColumns + ` FROM batches WHERE id=?`
	b, err := scanBatch(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// ListActiveBatches returns batches that have not finalized yet, oldest
// first, so the scheduler can tick each of them.
func (s *Store) ListActiveBatches(ctx context.Context) ([]*media.Batch, error) {
	q := `SELECT ` + batchColumns + ` FROM batches WHERE completed_at IS NULL ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active batches: %w", err)
	}
	defer rows.Close()

	var out []*media.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// PromoteBatchJobs dispatches queued children of a batch until the
// in-flight count reaches the batch's concurrency bound. In-flight means
// dispatched and not yet terminal, so a promoted child holds its slot
// from promotion until it completes, fails, or is cancelled. Returns the
// promoted job IDs; empty when the batch is saturated or drained.
func (s *Store) PromoteBatchJobs(ctx context.Context, batchID string) ([]string, error) {
	now := time.Now().UTC()
	var promoted []string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var maxConcurrency int
		err := tx.QueryRowContext(ctx, `SELECT max_concurrency FROM batches WHERE id=?`, batchID).Scan(&maxConcurrency)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read batch concurrency: %w", err)
		}

		var inflight int
		const cnt = `SELECT COUNT(*) FROM jobs WHERE batch_id=? AND dispatched=1 AND state IN ('queued','processing')`
		if err := tx.QueryRowContext(ctx, cnt, batchID).Scan(&inflight); err != nil {
			return fmt.Errorf("count in-flight jobs: %w", err)
		}

		slots := maxConcurrency - inflight
		if slots <= 0 {
			return nil
		}

		const sel = `SELECT id FROM jobs
WHERE batch_id=? AND state='queued' AND dispatched=0
ORDER BY priority DESC, created_at ASC LIMIT ?`
		rows, err := tx.QueryContext(ctx, sel, batchID, slots)
		if err != nil {
			return fmt.Errorf("select promotable jobs: %w", err)
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan promotable job: %w", err)
			}
			candidates = append(candidates, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate promotable jobs: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		for _, id := range candidates {
			const upd = `UPDATE jobs SET dispatched=1, updated_at=? WHERE id=? AND dispatched=0`
			res, err := tx.ExecContext(ctx, upd, now, id)
			if err != nil {
				return fmt.Errorf("promote job: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				promoted = append(promoted, id)
			}
		}

		if err := syncBatchCountersTx(ctx, tx, batchID, now); err != nil {
			return err
		}
		const start = `UPDATE batches SET started_at=COALESCE(started_at, ?) WHERE id=?`
		if _, err := tx.ExecContext(ctx, start, now, batchID); err != nil {
			return fmt.Errorf("mark batch started: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// SyncBatchCounters recomputes batch counters from the children in a
// single statement, keeping completed+failed+processing <= total
// observable at every instant. Cancelled children count as failed.
func (s *Store) SyncBatchCounters(ctx context.Context, batchID string) (*media.Batch, error) {
	now := time.Now().UTC()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return syncBatchCountersTx(ctx, tx, batchID, now)
	})
	if err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, batchID)
}

func syncBatchCountersTx(ctx context.Context, tx *sql.Tx, batchID string, now time.Time) error {
	const upd = `UPDATE batches SET
  completed  = (SELECT COUNT(*) FROM jobs WHERE jobs.batch_id = batches.id AND jobs.state = 'completed'),
  failed     = (SELECT COUNT(*) FROM jobs WHERE jobs.batch_id = batches.id AND jobs.state IN ('failed','cancelled')),
  processing = (SELECT COUNT(*) FROM jobs WHERE jobs.batch_id = batches.id AND jobs.dispatched = 1 AND jobs.state IN ('queued','processing')),
  updated_at = ?
WHERE id=?`
	res, err := tx.ExecContext(ctx, upd, now, batchID)
	if err != nil {
		return fmt.Errorf("sync batch counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeBatch stamps completed_at once every child is terminal.
// Returns true only for the call that performed the transition, so the
// final batch webhook fires exactly once.
func (s *Store) FinalizeBatch(ctx context.Context, batchID string) (bool, error) {
	now := time.Now().UTC()
	const upd = `UPDATE batches
SET completed_at=?, updated_at=?
WHERE id=? AND completed_at IS NULL AND total > 0 AND completed + failed >= total`
	res, err := s.db.ExecContext(ctx, upd, now, now, batchID)
	if err != nil {
		return false, fmt.Errorf("finalize batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelBatch cancels all queued children and flags processing children
// for cancellation. Returns how many were cancelled outright and how
// many were flagged. Further promotion is prevented because the
// cancelled children leave the queued state, and the retry budget is
// revoked so previously failed children are never requeued.
func (s *Store) CancelBatch(ctx context.Context, batchID string) (cancelled, flagged int64, err error) {
	now := time.Now().UTC()
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		const revoke = `UPDATE batches SET max_retries=0, updated_at=? WHERE id=?`
		res, err := tx.ExecContext(ctx, revoke, now, batchID)
		if err != nil {
			return fmt.Errorf("revoke batch retries: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		const cancelQueued = `UPDATE jobs
SET state='cancelled', stage='cancelled', completed_at=?, updated_at=?
WHERE batch_id=? AND state='queued'`
		res, err = tx.ExecContext(ctx, cancelQueued, now, now, batchID)
		if err != nil {
			return fmt.Errorf("cancel queued batch jobs: %w", err)
		}
		cancelled, _ = res.RowsAffected()

		const flagProcessing = `UPDATE jobs
SET cancel_requested=1, status_message='cancellation requested', updated_at=?
WHERE batch_id=? AND state='processing'`
		res, err = tx.ExecContext(ctx, flagProcessing, now, batchID)
		if err != nil {
			return fmt.Errorf("flag processing batch jobs: %w", err)
		}
		flagged, _ = res.RowsAffected()

		return syncBatchCountersTx(ctx, tx, batchID, now)
	})
	if err != nil {
		return 0, 0, err
	}
	return cancelled, flagged, nil
}

// RetryCandidate identifies a failed batch child eligible for another
// attempt.
type RetryCandidate struct {
	JobID string
	Epoch int
}

// ListRetryableChildren returns failed children of a batch whose epoch
// is still below the retry bound, oldest submissions first.
func (s *Store) ListRetryableChildren(ctx context.Context, batchID string, maxEpoch int) ([]RetryCandidate, error) {
	const q = `SELECT id, epoch FROM jobs
WHERE batch_id=? AND state='failed' AND epoch < ?
ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, batchID, maxEpoch)
	if err != nil {
		return nil, fmt.Errorf("list retryable children: %w", err)
	}
	defer rows.Close()

	var out []RetryCandidate
	for rows.Next() {
		var c RetryCandidate
		if err := rows.Scan(&c.JobID, &c.Epoch); err != nil {
			return nil, fmt.Errorf("scan retryable child: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retryable children: %w", err)
	}
	return out, nil
}
