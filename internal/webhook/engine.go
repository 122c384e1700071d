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

// Package webhook delivers signed job-event callbacks with at-least-once
// semantics. Every HTTP attempt is recorded as a WebhookDelivery row;
// retryable failures are scheduled with exponential backoff and picked
// up out-of-band by the retry Worker. Delivery outcomes never propagate
// as errors, so the job pipeline cannot be coupled to callback health.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reel/internal/errdefs"
	"reel/internal/metrics"
	"reel/pkg/canonjson"
	"reel/pkg/media"
)

const (
	// DefaultMaxAttempts is the total attempt budget per event,
	// including the initial send.
	DefaultMaxAttempts = 5

	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 30 * time.Second

	// maxStoredBody caps how much of the receiver's response body is
	// kept on the delivery record.
	maxStoredBody = 1000

	// maxRetryDelay caps the backoff once the delay table is exhausted.
	maxRetryDelay = 24 * time.Hour

	userAgent = "Reel/" + media.Version
)

// retryDelays is the backoff schedule indexed by the attempt number
// that just failed. Attempts past the table double the last entry.
var retryDelays = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt <= len(retryDelays) {
		return retryDelays[attempt-1]
	}
	d := retryDelays[len(retryDelays)-1]
	for i := len(retryDelays); i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// Store is the persistence surface the engine needs: recording attempt
// rows and resolving per-key signing secrets.
type Store interface {
	InsertDelivery(ctx context.Context, d *media.WebhookDelivery) error
	UpdateDeliveryResult(ctx context.Context, d *media.WebhookDelivery) error
	GetJobWebhookSecret(ctx context.Context, jobID string) (string, error)
}

// HTTPDoer abstracts http.Client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the engine.
type Config struct {
	// Secret signs payloads when the job's API key has no secret of
	// its own. Empty disables the signature header for such jobs.
	Secret string

	// MaxAttempts is the attempt budget per event.
	MaxAttempts int

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	// Production rejects callbacks to loopback and private addresses.
	Production bool
}

// Engine sends webhook callbacks and records each attempt.
type Engine struct {
	store  Store
	client HTTPDoer
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

// NewEngine builds a delivery engine over st. Zero config fields take
// the package defaults.
func NewEngine(st Store, cfg Config, log *zap.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:  st,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Send delivers one event to targetURL, wrapping fields in the standard
// envelope and recording the attempt. It reports whether the receiver
// acknowledged the delivery; a retryable failure is scheduled for the
// retry worker and reported as false.
func (e *Engine) Send(ctx context.Context, jobID string, event media.WebhookEvent, targetURL string, fields map[string]any, retry bool) bool {
	payload, err := BuildPayload(jobID, event, e.now().UTC(), fields)
	if err != nil {
		e.log.Error("encode webhook payload",
			zap.String("job_id", jobID),
			zap.String("event", event.String()),
			zap.Error(err))
		return false
	}
	d := &media.WebhookDelivery{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Event:     event.String(),
		TargetURL: targetURL,
		Payload:   payload,
		Attempt:   1,
		State:     media.DeliveryStatePending,
		CreatedAt: e.now().UTC(),
	}
	return e.deliver(ctx, d, retry)
}

// Resend spawns the next attempt for a delivery claimed by the retry
// worker. Deliveries that already spent their attempt budget are
// flipped to abandoned instead of re-sent.
func (e *Engine) Resend(ctx context.Context, claimed *media.WebhookDelivery) bool {
	if claimed.Attempt >= e.cfg.MaxAttempts {
		// next_retry_at stays as written: the schedule that was never
		// honored is part of the audit trail.
		claimed.State = media.DeliveryStateAbandoned
		if err := e.store.UpdateDeliveryResult(ctx, claimed); err != nil {
			e.log.Error("abandon webhook delivery",
				zap.String("delivery_id", claimed.ID),
				zap.Error(err))
		}
		metrics.ObserveWebhook(claimed.Event, "abandoned", 0)
		e.log.Warn("webhook delivery abandoned",
			zap.String("job_id", claimed.JobID),
			zap.String("event", claimed.Event),
			zap.Int("attempts", claimed.Attempt))
		return false
	}
	next := &media.WebhookDelivery{
		ID:        uuid.NewString(),
		JobID:     claimed.JobID,
		Event:     claimed.Event,
		TargetURL: claimed.TargetURL,
		Payload:   claimed.Payload,
		Attempt:   claimed.Attempt + 1,
		State:     media.DeliveryStatePending,
		CreatedAt: e.now().UTC(),
	}
	return e.deliver(ctx, next, true)
}

// deliver records d, performs one HTTP attempt, and writes the outcome
// back onto the row.
func (e *Engine) deliver(ctx context.Context, d *media.WebhookDelivery, retry bool) bool {
	if err := ValidateURL(d.TargetURL, e.cfg.Production); err != nil {
		now := e.now().UTC()
		d.State = media.DeliveryStateFailed
		d.LastAttemptAt = &now
		msg := err.Error()
		d.Error = &msg
		if insErr := e.store.InsertDelivery(ctx, d); insErr != nil {
			e.log.Error("record webhook delivery", zap.String("job_id", d.JobID), zap.Error(insErr))
		}
		metrics.ObserveWebhook(d.Event, "failed", 0)
		e.log.Warn("webhook target rejected",
			zap.String("job_id", d.JobID),
			zap.String("url", d.TargetURL),
			zap.Error(err))
		return false
	}

	// Record first so the attempt is visible even if the process dies
	// mid-send.
	if err := e.store.InsertDelivery(ctx, d); err != nil {
		e.log.Error("record webhook delivery", zap.String("job_id", d.JobID), zap.Error(err))
		return false
	}

	start := time.Now()
	status, body, sendErr := e.attempt(ctx, d)
	elapsed := time.Since(start)

	now := e.now().UTC()
	d.LastAttemptAt = &now
	if status > 0 {
		d.ResponseStatus = &status
	}
	d.ResponseBody = body

	var outcome string
	switch {
	case sendErr == nil && status >= 200 && status < 300:
		d.State = media.DeliveryStateSent
		outcome = "sent"
	case retry && retryable(status, sendErr):
		d.State = media.DeliveryStateRetrying
		at := now.Add(retryDelay(d.Attempt))
		d.NextRetryAt = &at
		d.Error = attemptError(status, sendErr)
		outcome = "retrying"
	default:
		d.State = media.DeliveryStateFailed
		d.Error = attemptError(status, sendErr)
		outcome = "failed"
	}

	if err := e.store.UpdateDeliveryResult(ctx, d); err != nil {
		e.log.Error("update webhook delivery",
			zap.String("delivery_id", d.ID),
			zap.Error(err))
	}
	metrics.ObserveWebhook(d.Event, outcome, elapsed)

	if d.State == media.DeliveryStateSent {
		e.log.Info("webhook delivered",
			zap.String("job_id", d.JobID),
			zap.String("event", d.Event),
			zap.Int("attempt", d.Attempt),
			zap.Int("status", status))
		return true
	}
	e.log.Warn("webhook delivery failed",
		zap.String("job_id", d.JobID),
		zap.String("event", d.Event),
		zap.Int("attempt", d.Attempt),
		zap.Int("status", status),
		zap.String("outcome", outcome),
		zap.Error(sendErr))
	return false
}

// attempt performs the HTTP POST for one delivery row.
func (e *Engine) attempt(ctx context.Context, d *media.WebhookDelivery) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TargetURL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", d.Event)
	req.Header.Set("X-Job-ID", d.JobID)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(d.Attempt))
	req.Header.Set("X-Webhook-Timestamp", e.now().UTC().Format(time.RFC3339))
	if secret := e.secretFor(ctx, d.JobID); secret != "" {
		req.Header.Set("X-Webhook-Signature", ComputeSignature(secret, d.Payload))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxStoredBody))
	return resp.StatusCode, string(b), nil
}

// secretFor picks the signing secret for a job: the owning key's
// secret when one is stored, otherwise the engine-wide secret. Batch
// callbacks carry a batch ID here and fall through to the global
// secret.
func (e *Engine) secretFor(ctx context.Context, jobID string) string {
	s, err := e.store.GetJobWebhookSecret(ctx, jobID)
	if err == nil && s != "" {
		return s
	}
	return e.cfg.Secret
}

// retryable reports whether a failure is worth another attempt:
// network errors, 429, and any 5xx.
func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

func attemptError(status int, err error) *string {
	var msg string
	if err != nil {
		msg = err.Error()
	} else {
		msg = fmt.Sprintf("webhook status %d", status)
	}
	return &msg
}

// BuildPayload wraps application fields in the delivery envelope and
// encodes the result as canonical JSON. The event, timestamp, and
// job_id keys are reserved and cannot be overridden by fields.
func BuildPayload(jobID string, event media.WebhookEvent, at time.Time, fields map[string]any) ([]byte, error) {
	envelope := map[string]any{
		"event":     event.String(),
		"timestamp": at.UTC().Format(time.RFC3339),
		"job_id":    jobID,
	}
	for k, v := range fields {
		if _, reserved := envelope[k]; reserved {
			continue
		}
		envelope[k] = v
	}
	return canonjson.Marshal(envelope)
}

// ComputeSignature returns the X-Webhook-Signature value for a payload:
// "sha256=" + hex(HMAC-SHA256(secret, payload)). The payload must be
// canonical JSON so signer and verifier agree byte for byte.
func ComputeSignature(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the raw
// request body in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(ComputeSignature(secret, payload)), []byte(signature))
}

// ValidateURL enforces the callback target policy: http or https with
// a host. Production deployments additionally reject loopback,
// private, and link-local targets so jobs cannot probe the service's
// own network.
func ValidateURL(raw string, production bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errdefs.Validationf("invalid webhook URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errdefs.Validationf("webhook URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errdefs.Validation("webhook URL host is required")
	}
	if production && privateHost(u.Hostname()) {
		return errdefs.Security("webhook URL targets a private address")
	}
	return nil
}

// privateHost reports whether host is a loopback, private, link-local,
// or unspecified address. Hostnames other than localhost pass; their
// resolution policy belongs to network egress, not URL validation.
func privateHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
