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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	jobsTotal        *prometheus.CounterVec
	batchesTotal     *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	webhookTotal     *prometheus.CounterVec
	webhookDuration  *prometheus.HistogramVec
	cacheOps         *prometheus.CounterVec
	rateLimitTotal   *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	lockAcquisitions *prometheus.CounterVec
	ffmpegDuration   *prometheus.HistogramVec
)

// Pipeline stage names used with ObserveStage.
const (
	StageDownload = "download"
	StageAnalyze  = "analyze"
	StageProcess  = "process"
	StageUpload   = "upload"
	StageFinalize = "finalize"
	StageQuality  = "quality"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one completed API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m := sanitizeLabel(method, "unknown")
	rt := sanitizeLabel(route, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if httpRequests != nil {
		httpRequests.WithLabelValues(m, rt, status).Inc()
	}
	if httpDuration != nil {
		httpDuration.WithLabelValues(m, rt).Observe(durationSeconds(duration))
	}
}

// IncJob counts a job reaching a terminal state.
func IncJob(state string) {
	label := sanitizeLabel(state, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(label).Inc()
	}
}

// IncBatch counts a batch finalizing, grouped by outcome: completed
// when every child succeeded, failed otherwise.
func IncBatch(outcome string) {
	label := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if batchesTotal != nil {
		batchesTotal.WithLabelValues(label).Inc()
	}
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, duration time.Duration) {
	label := sanitizeLabel(stage, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if stageDuration != nil {
		stageDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// ObserveWebhook records one webhook delivery attempt. outcome is one of
// sent, retrying, failed, abandoned.
func ObserveWebhook(event, outcome string, duration time.Duration) {
	e := sanitizeLabel(event, "unknown")
	o := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if webhookTotal != nil {
		webhookTotal.WithLabelValues(e, o).Inc()
	}
	if webhookDuration != nil {
		webhookDuration.WithLabelValues(e).Observe(durationSeconds(duration))
	}
}

// IncCacheOp counts one cache operation. tier is remote or fallback;
// result is hit, miss, ok, or error.
func IncCacheOp(op, tier, result string) {
	mu.RLock()
	defer mu.RUnlock()
	if cacheOps != nil {
		cacheOps.WithLabelValues(sanitizeLabel(op, "unknown"), sanitizeLabel(tier, "unknown"), sanitizeLabel(result, "unknown")).Inc()
	}
}

// IncRateLimitDecision counts an allow or deny decision per tier.
func IncRateLimitDecision(tier string, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}

	mu.RLock()
	defer mu.RUnlock()
	if rateLimitTotal != nil {
		rateLimitTotal.WithLabelValues(sanitizeLabel(tier, "unknown"), decision).Inc()
	}
}

// SetBreakerState publishes a circuit breaker state: 0 closed,
// 1 half-open, 2 open.
func SetBreakerState(name string, state float64) {
	mu.RLock()
	defer mu.RUnlock()
	if breakerState != nil {
		breakerState.WithLabelValues(sanitizeLabel(name, "unknown")).Set(state)
	}
}

// IncLockAcquisition counts a distributed lock attempt outcome:
// acquired, timeout, or error.
func IncLockAcquisition(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if lockAcquisitions != nil {
		lockAcquisitions.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveFFmpeg records the duration of one media tool invocation.
func ObserveFFmpeg(kind string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if ffmpegDuration != nil {
		ffmpegDuration.WithLabelValues(sanitizeLabel(kind, "unknown")).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total API requests grouped by method, route, and status code.",
	}, []string{"method", "route", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reel",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of API requests by method and route.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route"})

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Jobs reaching a terminal state, grouped by state.",
	}, []string{"state"})

	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "batches",
		Name:      "finalized_total",
		Help:      "Batches reaching a terminal state, grouped by outcome.",
	}, []string{"outcome"})

	stages := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reel",
		Subsystem: "jobs",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages (download, analyze, process, upload, finalize).",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"stage"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "webhooks",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts grouped by event and outcome.",
	}, []string{"event", "outcome"})

	webhookDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reel",
		Subsystem: "webhooks",
		Name:      "delivery_duration_seconds",
		Help:      "Duration of webhook delivery attempts by event.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"event"})

	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations grouped by op, tier, and result.",
	}, []string{"op", "tier", "result"})

	rate := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions grouped by tier.",
	}, []string{"tier", "decision"})

	breaker := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reel",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"name"})

	locks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "lock",
		Name:      "acquisitions_total",
		Help:      "Distributed lock acquisition outcomes.",
	}, []string{"outcome"})

	ffmpeg := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reel",
		Subsystem: "ffmpeg",
		Name:      "run_duration_seconds",
		Help:      "Duration of media tool invocations by kind (probe, transcode, quality).",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200},
	}, []string{"kind"})

	registry.MustRegister(reqTotal, reqDuration, jobs, batches, stages, webhooks, webhookDur, cache, rate, breaker, locks, ffmpeg)

	reg = registry
	httpRequests = reqTotal
	httpDuration = reqDuration
	jobsTotal = jobs
	batchesTotal = batches
	stageDuration = stages
	webhookTotal = webhooks
	webhookDuration = webhookDur
	cacheOps = cache
	rateLimitTotal = rate
	breakerState = breaker
	lockAcquisitions = locks
	ffmpegDuration = ffmpeg
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
