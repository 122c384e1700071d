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

// Package media contains shared data models and constants used by the
// orchestrator, workers, webhook engine, and tests: jobs, batches,
// API credentials, webhook deliveries, and processing statistics.
package media

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is the service release, reported in the webhook User-Agent
// and the health endpoints.
const Version = "1.0.0"

// JobState is the lifecycle state of a transcoding job.
// Transitions are monotonic within an epoch:
// queued → processing → {completed|failed|cancelled}.
// A retry opens a new epoch and resets the job back to queued.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// Valid reports whether the state is one of the allowed states.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateProcessing, JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is terminal
// (completed, failed, or cancelled). Terminal jobs are immutable
// except for audit fields.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobState.
func (s JobState) String() string { return string(s) }

// EventLevel represents the severity of a job event log entry.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// String returns the string value of the EventLevel.
func (l EventLevel) String() string { return string(l) }

// Tier is the quota class attached to an API credential. It governs
// hourly/daily call caps, the concurrent-job cap, and the maximum
// input size accepted for a submission.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether the tier is a recognized quota class.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPremium, TierEnterprise:
		return true
	default:
		return false
	}
}

// String returns the string value of the Tier.
func (t Tier) String() string { return string(t) }

// TierLimits carries the typed quota table for one tier.
type TierLimits struct {
	HourlyCalls       int64
	DailyCalls        int64
	MaxConcurrentJobs int
	MaxFileSize       int64
}

// tierLimits is the enumerated quota table; loaded values are typed, not
// free-form maps, so misconfiguration fails at compile time.
var tierLimits = map[Tier]TierLimits{
	TierFree:       {HourlyCalls: 100, DailyCalls: 1000, MaxConcurrentJobs: 1, MaxFileSize: 500 << 20},
	TierBasic:      {HourlyCalls: 500, DailyCalls: 5000, MaxConcurrentJobs: 3, MaxFileSize: 2 << 30},
	TierPremium:    {HourlyCalls: 2000, DailyCalls: 20000, MaxConcurrentJobs: 10, MaxFileSize: 10 << 30},
	TierEnterprise: {HourlyCalls: 10000, DailyCalls: 100000, MaxConcurrentJobs: 50, MaxFileSize: 50 << 30},
}

// Limits returns the quota table entry for the tier. Unknown tiers get
// the free quotas.
func (t Tier) Limits() TierLimits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// TierFromKeyPrefix infers a tier from the credential token prefix.
// This is a compatibility fallback only: when the credential record is
// resolved, its tier column wins. Absent credential means free.
func TierFromKeyPrefix(token string) Tier {
	switch {
	case token == "":
		return TierFree
	case strings.HasPrefix(token, "ent_"):
		return TierEnterprise
	case strings.HasPrefix(token, "prem_"):
		return TierPremium
	case strings.HasPrefix(token, "basic_"):
		return TierBasic
	default:
		return TierBasic
	}
}

// KeyPrefix returns the token prefix issued for new credentials of this
// tier, kept aligned with TierFromKeyPrefix.
func (t Tier) KeyPrefix() string {
	switch t {
	case TierEnterprise:
		return "ent_"
	case TierPremium:
		return "prem_"
	case TierBasic:
		return "basic_"
	default:
		return "reel_"
	}
}

// Operation is one step in a job's ordered transformation list. On the
// wire an operation is a single-key object mapping the operation type to
// its parameters, e.g. {"trim": {"start": "00:00:10", "duration": 5}}.
type Operation struct {
	Type   string
	Params map[string]any
}

// UnmarshalJSON decodes the single-key wire form.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("operation must be an object: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("operation must have exactly one key, got %d", len(raw))
	}
	for name, params := range raw {
		o.Type = name
		if len(params) == 0 || string(params) == "null" {
			o.Params = map[string]any{}
			return nil
		}
		var p map[string]any
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("operation %q: parameters must be an object: %w", name, err)
		}
		o.Params = p
	}
	return nil
}

// MarshalJSON encodes the single-key wire form.
func (o Operation) MarshalJSON() ([]byte, error) {
	params := o.Params
	if params == nil {
		params = map[string]any{}
	}
	return json.Marshal(map[string]map[string]any{o.Type: params})
}

// ProcessingStats is a snapshot of the live statistics reported by the
// media tool during processing. Field names mirror the progress stream
// vocabulary (frame, fps, bitrate, speed, time).
type ProcessingStats struct {
	Frame         int64     `json:"current_frame"`
	FPS           float64   `json:"fps"`
	Bitrate       string    `json:"bitrate,omitempty"`
	Speed         float64   `json:"speed"`
	TimeProcessed float64   `json:"time_processed"`
	LastUpdate    time.Time `json:"last_update"`
}

// Job represents a single media transformation request and its lifecycle.
// The orchestrator creates jobs; the worker holding the lease is the only
// writer while the job is processing.
type Job struct {
	ID             string          `json:"job_id" db:"id"`
	State          JobState        `json:"status" db:"state"`
	InputPath      string          `json:"input_path" db:"input_path"`
	OutputPath     string          `json:"output_path" db:"output_path"`
	Options        json.RawMessage `json:"options,omitempty" db:"options_json"`
	Operations     json.RawMessage `json:"operations" db:"operations_json"`
	BatchID        *string         `json:"batch_id,omitempty" db:"batch_id"`
	WebhookURL     *string         `json:"webhook_url,omitempty" db:"webhook_url"`
	Priority       int             `json:"priority" db:"priority"`
	Progress       float64         `json:"progress" db:"progress"`
	Stage          string          `json:"stage,omitempty" db:"stage"`
	StatusMessage  string          `json:"status_message,omitempty" db:"status_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	WorkerID       *string         `json:"worker_id,omitempty" db:"worker_id"`
	LeaseExpiresAt *time.Time      `json:"-" db:"lease_expires_at"`
	Epoch          int             `json:"epoch" db:"epoch"`
	Error          *string         `json:"error,omitempty" db:"error"`
	QualityScores  json.RawMessage `json:"quality_scores,omitempty" db:"quality_json"`
	Stats          json.RawMessage `json:"processing_stats,omitempty" db:"stats_json"`
	APIKeyID       *string         `json:"-" db:"api_key_id"`
	ProcessingTime *float64        `json:"processing_time,omitempty" db:"processing_time"`
}

// DecodeOperations parses the persisted operations list.
func (j *Job) DecodeOperations() ([]Operation, error) {
	if len(j.Operations) == 0 {
		return nil, nil
	}
	var ops []Operation
	if err := json.Unmarshal(j.Operations, &ops); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	return ops, nil
}

// DecodeOptions parses the persisted options map.
func (j *Job) DecodeOptions() (map[string]any, error) {
	if len(j.Options) == 0 {
		return map[string]any{}, nil
	}
	var opts map[string]any
	if err := json.Unmarshal(j.Options, &opts); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return opts, nil
}

// NewJob constructs a Job with initial queued state and timestamps.
// Caller should assign a unique ID (e.g., uuid) before persistence.
func NewJob(inputPath, outputPath string, operations, options json.RawMessage) Job {
	now := time.Now().UTC()
	return Job{
		State:      JobStateQueued,
		InputPath:  inputPath,
		OutputPath: outputPath,
		Options:    options,
		Operations: operations,
		Progress:   0,
		Stage:      "queued",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// BatchStatus is the derived status of a batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// Batch is a named group of jobs submitted together with bounded
// concurrency. Counters always satisfy completed+failed+processing ≤ total.
type Batch struct {
	ID             string     `json:"batch_id" db:"id"`
	Name           string     `json:"name,omitempty" db:"name"`
	Total          int        `json:"total" db:"total"`
	Completed      int        `json:"completed" db:"completed"`
	Failed         int        `json:"failed" db:"failed"`
	Processing     int        `json:"processing" db:"processing"`
	MaxConcurrency int        `json:"max_concurrency" db:"max_concurrency"`
	Priority       int        `json:"priority" db:"priority"`
	MaxRetries     int        `json:"max_retries" db:"max_retries"`
	WebhookURL     *string    `json:"webhook_url,omitempty" db:"webhook_url"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Status derives the batch status from counters and timestamps.
func (b *Batch) Status() BatchStatus {
	switch {
	case b.Total > 0 && b.Completed == b.Total:
		return BatchStatusCompleted
	case b.Total > 0 && b.Completed+b.Failed == b.Total && b.Failed > 0:
		return BatchStatusFailed
	case b.StartedAt == nil:
		return BatchStatusPending
	default:
		return BatchStatusRunning
	}
}

// IsTerminal reports whether every child job has reached a terminal state.
func (b *Batch) IsTerminal() bool {
	return b.Total > 0 && b.Completed+b.Failed == b.Total
}

// Batch concurrency bounds.
const (
	MinBatchConcurrency = 1
	MaxBatchConcurrency = 20

	// DefaultBatchMaxRetries is how many times a failed child may be
	// retried before its failure is recorded against the batch.
	DefaultBatchMaxRetries = 3
)

// APIKey is an authenticated principal. The raw secret is never stored;
// only a keyed hash is persisted.
type APIKey struct {
	ID            string     `json:"id" db:"id"`
	KeyHash       string     `json:"-" db:"key_hash"`
	Name          string     `json:"name" db:"name"`
	Tier          Tier       `json:"tier" db:"tier"`
	Active        bool       `json:"active" db:"active"`
	Admin         bool       `json:"admin" db:"is_admin"`
	WebhookSecret string     `json:"-" db:"webhook_secret"` // encrypted at rest; do not log
	RevokedAt     *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Usable reports whether the credential may authenticate a request at
// the given instant: active ∧ ¬revoked ∧ (expires==nil ∨ expires>now).
func (k *APIKey) Usable(now time.Time) bool {
	if k == nil || !k.Active {
		return false
	}
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// WebhookEvent names the events emitted to job callbacks.
type WebhookEvent string

const (
	WebhookEventComplete WebhookEvent = "complete"
	WebhookEventError    WebhookEvent = "error"
	WebhookEventProgress WebhookEvent = "progress"
)

// String returns the string value of the WebhookEvent.
func (e WebhookEvent) String() string { return string(e) }

// DeliveryState is the lifecycle state of one webhook delivery attempt.
// pending → (sent | failed) → possibly retrying → … → sent | abandoned.
type DeliveryState string

const (
	DeliveryStatePending   DeliveryState = "pending"
	DeliveryStateSent      DeliveryState = "sent"
	DeliveryStateFailed    DeliveryState = "failed"
	DeliveryStateRetrying  DeliveryState = "retrying"
	DeliveryStateAbandoned DeliveryState = "abandoned"
)

// String returns the string value of the DeliveryState.
func (s DeliveryState) String() string { return string(s) }

// IsTerminal reports whether the delivery reached a final outcome.
func (s DeliveryState) IsTerminal() bool {
	return s == DeliveryStateSent || s == DeliveryStateAbandoned
}

// WebhookDelivery records one attempt at delivering one event. Multiple
// attempts for the same job and event form an ordered list by attempt
// number.
type WebhookDelivery struct {
	ID             string        `json:"id" db:"id"`
	JobID          string        `json:"job_id" db:"job_id"`
	Event          string        `json:"event" db:"event"`
	TargetURL      string        `json:"target_url" db:"target_url"`
	Payload        []byte        `json:"-" db:"payload"`
	Attempt        int           `json:"attempt" db:"attempt"`
	State          DeliveryState `json:"state" db:"state"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	LastAttemptAt  *time.Time    `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ResponseStatus *int          `json:"response_status,omitempty" db:"response_status"`
	ResponseBody   string        `json:"response_body,omitempty" db:"response_body"`
	Error          *string       `json:"error,omitempty" db:"error"`
}

// JobEvent is an append-only event stream for a Job. Used for
// user-visible progress and debugging observability.
type JobEvent struct {
	ID      int64      `json:"id" db:"id"`
	JobID   string     `json:"job_id" db:"job_id"`
	Time    time.Time  `json:"time" db:"time"`
	Level   EventLevel `json:"level" db:"level"`
	Message string     `json:"message" db:"message"`
	Stage   *string    `json:"stage,omitempty" db:"stage"`
}
