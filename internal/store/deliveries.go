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

const deliveryColumns = `id, job_id, event, target_url, payload, attempt, state, created_at, last_attempt_at, next_retry_at, response_status, response_body, error`

func scanDelivery(r rowScanner) (*media.WebhookDelivery, error) {
	var row struct {
		id, jobID, event, targetURL string
		payload                     []byte
		attempt                     int
		state                       string
		createdAt                   time.Time
		lastAttemptAt, nextRetryAt  sql.NullTime
		responseStatus              sql.NullInt64
		responseBody                string
		errMsg                      sql.NullString
	}
	err := r.Scan(
		&row.id, &row.jobID, &row.event, &row.targetURL, &row.payload,
		&row.attempt, &row.state, &row.createdAt, &row.lastAttemptAt,
		&row.nextRetryAt, &row.responseStatus, &row.responseBody, &row.errMsg,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	return &media.WebhookDelivery{
		ID:             row.id,
		JobID:          row.jobID,
		Event:          row.event,
		TargetURL:      row.targetURL,
		Payload:        row.payload,
		Attempt:        row.attempt,
		State:          media.DeliveryState(row.state),
		CreatedAt:      row.createdAt.UTC(),
		LastAttemptAt:  fromNullTimePtr(row.lastAttemptAt),
		NextRetryAt:    fromNullTimePtr(row.nextRetryAt),
		ResponseStatus: fromNullIntPtr(row.responseStatus),
		ResponseBody:   row.responseBody,
		Error:          fromNullStringPtr(row.errMsg),
	}, nil
}

// InsertDelivery records one delivery attempt. Each attempt is its own
// row; attempts for the same job and event form an ordered history.
func (s *Store) InsertDelivery(ctx context.Context, d *media.WebhookDelivery) error {
	const ins = `
INSERT INTO webhook_deliveries (id, job_id, event, target_url, payload, attempt, state, created_at, last_attempt_at, next_retry_at, response_status, response_body, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	var status any
	if d.ResponseStatus != nil {
		status = *d.ResponseStatus
	}
	_, err := s.db.ExecContext(ctx, ins,
		d.ID, d.JobID, d.Event, d.TargetURL, d.Payload, d.Attempt, d.State.String(),
		d.CreatedAt.UTC(), nullTime(d.LastAttemptAt), nullTime(d.NextRetryAt),
		status, d.ResponseBody, nullStringPtr(d.Error))
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// UpdateDeliveryResult records the outcome of an attempt on its row.
func (s *Store) UpdateDeliveryResult(ctx context.Context, d *media.WebhookDelivery) error {
	const upd = `UPDATE webhook_deliveries
SET state=?, last_attempt_at=?, next_retry_at=?, response_status=?, response_body=?, error=?
WHERE id=?`
	var status any
	if d.ResponseStatus != nil {
		status = *d.ResponseStatus
	}
	res, err := s.db.ExecContext(ctx, upd,
		d.State.String(), nullTime(d.LastAttemptAt), nullTime(d.NextRetryAt),
		status, d.ResponseBody, nullStringPtr(d.Error), d.ID)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDueRetries atomically claims retrying deliveries whose retry time
// has arrived. Claimed rows transition to failed so a concurrent poller
// cannot double-send; the caller spawns the next attempt as a new row.
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*media.WebhookDelivery, error) {
	var claimed []*media.WebhookDelivery
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
WHERE state='retrying' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
ORDER BY next_retry_at ASC LIMIT ?`
		rows, err := tx.QueryContext(ctx, q, now.UTC(), limit)
		if err != nil {
			return fmt.Errorf("select due retries: %w", err)
		}
		for rows.Next() {
			d, err := scanDelivery(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate due retries: %w", err)
		}

		for _, d := range claimed {
			const upd = `UPDATE webhook_deliveries SET state='failed' WHERE id=? AND state='retrying'`
			if _, err := tx.ExecContext(ctx, upd, d.ID); err != nil {
				return fmt.Errorf("claim retry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ListDeliveriesByJob returns the delivery history for a job in attempt
// order.
func (s *Store) ListDeliveriesByJob(ctx context.Context, jobID string) ([]*media.WebhookDelivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE job_id=? ORDER BY created_at ASC, attempt ASC`
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*media.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// PurgeDeliveriesBefore removes terminal delivery records created before
// the cutoff. Pending and retrying rows are left alone so an in-flight
// retry chain is never clipped.
func (s *Store) PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const del = `DELETE FROM webhook_deliveries
WHERE created_at < ? AND state IN ('sent','failed','abandoned')`
	res, err := s.db.ExecContext(ctx, del, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeliveryStats aggregates delivery outcomes across all jobs.
// SuccessRate is a percentage: sent / total × 100.
type DeliveryStats struct {
	Total       int64   `json:"total"`
	Sent        int64   `json:"sent"`
	Failed      int64   `json:"failed"`
	Pending     int64   `json:"pending"`
	Retrying    int64   `json:"retrying"`
	Abandoned   int64   `json:"abandoned"`
	SuccessRate float64 `json:"success_rate"`
}

// GetDeliveryStats returns aggregate delivery counts by state.
func (s *Store) GetDeliveryStats(ctx context.Context) (*DeliveryStats, error) {
	const q = `SELECT state, COUNT(*) FROM webhook_deliveries GROUP BY state`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	defer rows.Close()

	stats := &DeliveryStats{}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan delivery stats: %w", err)
		}
		stats.Total += n
		switch media.DeliveryState(state) {
		case media.DeliveryStateSent:
			stats.Sent = n
		case media.DeliveryStateFailed:
			stats.Failed = n
		case media.DeliveryStatePending:
			stats.Pending = n
		case media.DeliveryStateRetrying:
			stats.Retrying = n
		case media.DeliveryStateAbandoned:
			stats.Abandoned = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery stats: %w", err)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Sent) / float64(stats.Total) * 100
	}
	return stats, nil
}
