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
	"strings"
	"time"

	"reel/pkg/media"
)

// jobColumns is the canonical column list scanned by scanJob. Keep the
// order in sync with scanJob.
const jobColumns = `id, state, input_path, output_path, options_json, operations_json, batch_id, webhook_url, priority, progress, stage, status_message, error, quality_json, stats_json, epoch, worker_id, lease_expires_at, processing_time, api_key_id, created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*media.Job, error) {
	var row struct {
		id, state, inputPath, outputPath string
		optionsJSON                      sql.NullString
		operationsJSON                   string
		batchID, webhookURL              sql.NullString
		priority                         int
		progress                         float64
		stage, statusMessage             string
		errMsg, qualityJSON, statsJSON   sql.NullString
		epoch                            int
		workerID                         sql.NullString
		leaseExpiresAt                   sql.NullTime
		processingTime                   sql.NullFloat64
		apiKeyID                         sql.NullString
		createdAt, updatedAt             time.Time
		startedAt, completedAt           sql.NullTime
	}
	err := r.Scan(
		&row.id, &row.state, &row.inputPath, &row.outputPath, &row.optionsJSON,
		&row.operationsJSON, &row.batchID, &row.webhookURL, &row.priority,
		&row.progress, &row.stage, &row.statusMessage, &row.errMsg,
		&row.qualityJSON, &row.statsJSON, &row.epoch, &row.workerID,
		&row.leaseExpiresAt, &row.processingTime, &row.apiKeyID,
		&row.createdAt, &row.updatedAt, &row.startedAt, &row.completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	return &media.Job{
		ID:             row.id,
		State:          media.JobState(row.state),
		InputPath:      row.inputPath,
		OutputPath:     row.outputPath,
		Options:        fromNullJSON(row.optionsJSON),
		Operations:     []byte(row.operationsJSON),
		BatchID:        fromNullStringPtr(row.batchID),
		WebhookURL:     fromNullStringPtr(row.webhookURL),
		Priority:       row.priority,
		Progress:       row.progress,
		Stage:          row.stage,
		StatusMessage:  row.statusMessage,
		Error:          fromNullStringPtr(row.errMsg),
		QualityScores:  fromNullJSON(row.qualityJSON),
		Stats:          fromNullJSON(row.statsJSON),
		Epoch:          row.epoch,
		WorkerID:       fromNullStringPtr(row.workerID),
		LeaseExpiresAt: fromNullTimePtr(row.leaseExpiresAt),
		ProcessingTime: fromNullFloatPtr(row.processingTime),
		APIKeyID:       fromNullStringPtr(row.apiKeyID),
		CreatedAt:      row.createdAt.UTC(),
		UpdatedAt:      row.updatedAt.UTC(),
		StartedAt:      fromNullTimePtr(row.startedAt),
		CompletedAt:    fromNullTimePtr(row.completedAt),
	}, nil
}

// InsertJob inserts a standalone job. The caller must set Job.ID.
// Standalone jobs are born dispatched; batch children are inserted via
// CreateBatchWithJobs and wait for promotion.
func (s *Store) InsertJob(ctx context.Context, job *media.Job) error {
	return s.insertJob(ctx, s.db, job, true)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertJob(ctx context.Context, ex execer, job *media.Job, dispatched bool) error {
	const ins = `
INSERT INTO jobs (id, state, input_path, output_path, options_json, operations_json, batch_id, webhook_url, priority, progress, stage, status_message, epoch, dispatched, api_key_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	disp := 0
	if dispatched {
		disp = 1
	}

	_, err := ex.ExecContext(ctx, ins,
		job.ID, job.State.String(), job.InputPath, job.OutputPath,
		nullJSON(job.Options), string(job.Operations),
		nullStringPtr(job.BatchID), nullStringPtr(job.WebhookURL),
		job.Priority, job.Progress, job.Stage, job.StatusMessage,
		job.Epoch, disp, nullStringPtr(job.APIKeyID),
		job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*media.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	job, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Zero values mean "no filter"; Page and
// PerPage are normalized to 1 and 20, PerPage capped at 100.
type JobFilter struct {
	APIKeyID string
	State    media.JobState
	BatchID  string
	Page     int
	PerPage  int
}

func (f *JobFilter) normalize() {
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

// ListJobs returns jobs matching the filter ordered newest first, plus
// the total match count for pagination.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*media.Job, int, error) {
	filter.normalize()

	var conds []string
	var args []any
	if filter.APIKeyID != "" {
		conds = append(conds, "api_key_id=?")
		args = append(args, filter.APIKeyID)
	}
	if filter.State != "" {
		conds = append(conds, "state=?")
		args = append(args, filter.State.String())
	}
	if filter.BatchID != "" {
		conds = append(conds, "batch_id=?")
		args = append(args, filter.BatchID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	q := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*media.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, total, nil
}

// --------------- Leasing helpers ---------------

// AcquireQueuedJob atomically leases the next dispatched queued job,
// transitioning it to processing. Priority wins, then submission order.
// Returns ErrNotFound if nothing is acquirable.
func (s *Store) AcquireQueuedJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*media.Job, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseTTL)

	var acquired *media.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs WHERE state='queued' AND dispatched=1 ORDER BY priority DESC, created_at ASC LIMIT 1`
		var id string
		err := tx.QueryRowContext(ctx, sel).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select queued job: %w", err)
		}

		const upd = `UPDATE jobs
SET state='processing', stage='starting', worker_id=?, lease_expires_at=?, started_at=?, updated_at=?
WHERE id=? AND state='queued'`
		res, err := tx.ExecContext(ctx, upd, workerID, leaseUntil, now, now, id)
		if err != nil {
			return fmt.Errorf("acquire queued job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
		j, err := scanJob(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		acquired = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// ExtendLease extends the lease for a processing job, asserting worker
// ownership.
func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseTTL)
	const upd = `UPDATE jobs
SET lease_expires_at=?, updated_at=?
WHERE id=? AND state='processing' AND worker_id=?`
	res, err := s.db.ExecContext(ctx, upd, leaseUntil, now, jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListExpiredLeases returns IDs of processing jobs whose lease expired
// before now, oldest expiry first.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `SELECT id FROM jobs
WHERE state='processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
ORDER BY lease_expires_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}
	return out, nil
}

// StealExpiredLease transfers a processing job whose lease expired to a
// new worker. The transcode restarts from scratch, so the epoch advances
// and progress resets; a pending cancellation request survives the steal.
func (s *Store) StealExpiredLease(ctx context.Context, jobID, newWorkerID string, leaseTTL time.Duration) (bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseTTL)
	const upd = `UPDATE jobs
SET worker_id=?, lease_expires_at=?, epoch=epoch+1, progress=0, stage='starting', status_message='', started_at=?, updated_at=?
WHERE id=? AND state='processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
	res, err := s.db.ExecContext(ctx, upd, newWorkerID, leaseUntil, now, now, jobID, now)
	if err != nil {
		return false, fmt.Errorf("steal lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// --------------- Progress and terminal transitions ---------------

// UpdateJobProgress persists a progress snapshot for a processing job.
// The write is guarded by epoch and monotonicity: stale writers and
// backward progress are silently dropped (returns false).
func (s *Store) UpdateJobProgress(ctx context.Context, id string, epoch int, progress float64, stage, statusMessage string, statsJSON []byte) (bool, error) {
	const upd = `UPDATE jobs
SET progress=?, stage=?, status_message=?, stats_json=COALESCE(?, stats_json), updated_at=?
WHERE id=? AND state='processing' AND epoch=? AND progress<=?`
	res, err := s.db.ExecContext(ctx, upd, progress, stage, statusMessage, nullJSON(statsJSON), time.Now().UTC(), id, epoch, progress)
	if err != nil {
		return false, fmt.Errorf("update job progress: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteJob marks a processing job completed. Guarded by worker
// ownership and epoch so a stale worker cannot complete a stolen job.
func (s *Store) CompleteJob(ctx context.Context, id, workerID string, epoch int, processingTime float64, qualityJSON, statsJSON []byte) error {
	now := time.Now().UTC()
	const upd = `UPDATE jobs
SET state='completed', progress=100, stage='completed', status_message='', completed_at=?, processing_time=?,
    quality_json=COALESCE(?, quality_json), stats_json=COALESCE(?, stats_json),
    worker_id=NULL, lease_expires_at=NULL, updated_at=?
WHERE id=? AND state='processing' AND worker_id=? AND epoch=?`
	res, err := s.db.ExecContext(ctx, upd, now, processingTime, nullJSON(qualityJSON), nullJSON(statsJSON), now, id, workerID, epoch)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob marks a processing job failed with a sanitized message.
func (s *Store) FailJob(ctx context.Context, id, workerID string, epoch int, message string) error {
	now := time.Now().UTC()
	const upd = `UPDATE jobs
SET state='failed', stage='failed', error=?, completed_at=?, worker_id=NULL, lease_expires_at=NULL, updated_at=?
WHERE id=? AND state='processing' AND worker_id=? AND epoch=?`
	res, err := s.db.ExecContext(ctx, upd, message, now, now, id, workerID, epoch)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCancelled finalizes a cancellation observed by the owning worker.
func (s *Store) MarkCancelled(ctx context.Context, id, workerID string, epoch int) error {
	now := time.Now().UTC()
	const upd = `UPDATE jobs
SET state='cancelled', stage='cancelled', status_message='', completed_at=?, worker_id=NULL, lease_expires_at=NULL, updated_at=?
WHERE id=? AND state='processing' AND worker_id=? AND epoch=?`
	res, err := s.db.ExecContext(ctx, upd, now, now, id, workerID, epoch)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelJob requests cancellation. Queued jobs are cancelled directly;
// processing jobs get the cancel flag and cancel once the worker
// observes it. Returns the job state after the call. Terminal jobs
// return their state with ErrTerminalState.
func (s *Store) CancelJob(ctx context.Context, id string) (media.JobState, error) {
	now := time.Now().UTC()
	var result media.JobState
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id=?`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read job state: %w", err)
		}

		switch media.JobState(state) {
		case media.JobStateQueued:
			const upd = `UPDATE jobs
SET state='cancelled', stage='cancelled', completed_at=?, updated_at=?
WHERE id=? AND state='queued'`
			if _, err := tx.ExecContext(ctx, upd, now, now, id); err != nil {
				return fmt.Errorf("cancel queued job: %w", err)
			}
			result = media.JobStateCancelled
			return nil
		case media.JobStateProcessing:
			const upd = `UPDATE jobs
SET cancel_requested=1, status_message='cancellation requested', updated_at=?
WHERE id=? AND state='processing'`
			if _, err := tx.ExecContext(ctx, upd, now, id); err != nil {
				return fmt.Errorf("request job cancel: %w", err)
			}
			result = media.JobStateProcessing
			return nil
		default:
			result = media.JobState(state)
			return ErrTerminalState
		}
	})
	return result, err
}

// CancelRequested reports whether cancellation was requested for a job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id=?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag == 1, nil
}

// RequeueJob resets a failed batch child back to queued for retry. The
// epoch advances and the dispatched flag clears so the coordinator
// promotes it again when a slot frees up.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	now := time.Now().UTC()
	const upd = `UPDATE jobs
SET state='queued', stage='queued', status_message='', progress=0, epoch=epoch+1, dispatched=0,
    error=NULL, worker_id=NULL, lease_expires_at=NULL, started_at=NULL, completed_at=NULL,
    cancel_requested=0, updated_at=?
WHERE id=? AND state='failed'`
	res, err := s.db.ExecContext(ctx, upd, now, id)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveJobsByKey counts queued and processing jobs owned by a
// credential, for the tier concurrency cap.
func (s *Store) CountActiveJobsByKey(ctx context.Context, apiKeyID string) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE api_key_id=? AND state IN ('queued','processing')`
	var n int
	if err := s.db.QueryRowContext(ctx, q, apiKeyID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// DeleteTerminalJobsBefore removes terminal jobs that completed before
// the cutoff. Job events cascade; webhook deliveries are retained and
// purged separately.
func (s *Store) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const del = `DELETE FROM jobs
WHERE state IN ('completed','failed','cancelled') AND completed_at IS NOT NULL AND completed_at < ?`
	res, err := s.db.ExecContext(ctx, del, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --------------- Job events ---------------

// AppendJobEvent inserts a new event row for a job.
func (s *Store) AppendJobEvent(ctx context.Context, ev media.JobEvent) error {
	const ins = `INSERT INTO job_events(job_id, time, level, message, stage) VALUES(?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins, ev.JobID, ev.Time.UTC(), ev.Level.String(), ev.Message, nullStringPtr(ev.Stage))
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListJobEvents fetches events for a job ordered by time ascending.
// If limit <= 0, returns all.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]media.JobEvent, error) {
	q := `SELECT id, job_id, time, level, message, stage FROM job_events WHERE job_id=? ORDER BY time ASC, id ASC`
	if limit > 0 {
		q = q + fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []media.JobEvent
	for rows.Next() {
		var (
			id       int64
			rowJobID string
			t        time.Time
			level    string
			msg      string
			stage    sql.NullString
		)
		if err := rows.Scan(&id, &rowJobID, &t, &level, &msg, &stage); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, media.JobEvent{
			ID:      id,
			JobID:   rowJobID,
			Time:    t.UTC(),
			Level:   media.EventLevel(level),
			Message: msg,
			Stage:   fromNullStringPtr(stage),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}
