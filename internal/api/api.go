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

// Package api is the HTTP surface. It owns routing, authentication,
// the IP allow-list, rate limiting, request validation, and the error
// envelope; everything behind it speaks the orchestrator's types.
//
// Routes:
//   - POST   /api/v1/jobs                  submit a job (202)
//   - GET    /api/v1/jobs                  list jobs (paginated)
//   - GET    /api/v1/jobs/{id}             job detail with events
//   - DELETE /api/v1/jobs/{id}             cancel a job
//   - GET    /api/v1/jobs/{id}/deliveries  webhook delivery log
//   - POST   /api/v1/batches               submit a batch (202)
//   - GET    /api/v1/batches/{id}          batch status and counters
//   - DELETE /api/v1/batches/{id}          cancel a batch
//   - /api/v1/admin/*                      credential and operations surface
//   - /healthz, /readyz, /metrics          probes and telemetry
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"reel/internal/breaker"
	"reel/internal/cache"
	"reel/internal/metrics"
	"reel/internal/orchestrator"
	"reel/internal/ratelimit"
	"reel/internal/store"
	"reel/pkg/media"
)

// Service is the control plane the handlers call into.
// *orchestrator.Orchestrator satisfies it.
type Service interface {
	Submit(ctx context.Context, key *media.APIKey, req orchestrator.SubmitRequest) (*media.Job, error)
	SubmitBatch(ctx context.Context, key *media.APIKey, req orchestrator.BatchRequest) (*media.Batch, error)
	GetJob(ctx context.Context, key *media.APIKey, jobID string) (*orchestrator.JobDetail, error)
	ListJobs(ctx context.Context, key *media.APIKey, filter store.JobFilter) (*orchestrator.JobPage, error)
	ListDeliveries(ctx context.Context, key *media.APIKey, jobID string) ([]*media.WebhookDelivery, error)
	GetBatch(ctx context.Context, key *media.APIKey, batchID string) (*media.Batch, error)
	CancelJob(ctx context.Context, key *media.APIKey, jobID string) (media.JobState, error)
	CancelBatch(ctx context.Context, key *media.APIKey, batchID string) (cancelled, flagged int64, err error)
	CreateKey(ctx context.Context, req orchestrator.KeyRequest) (*media.APIKey, string, error)
	RevokeKey(ctx context.Context, id string) error
	ListKeys(ctx context.Context) ([]*media.APIKey, error)
	CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
	StorageStatus(ctx context.Context) map[string]string
	WebhookStats(ctx context.Context) (*store.DeliveryStats, error)
}

// Authenticator resolves tokens to credentials.
// *auth.Authenticator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*media.APIKey, error)
}

// Limiter decides whether a request may proceed.
// *ratelimit.Limiter satisfies it.
type Limiter interface {
	AllowKey(ctx context.Context, identifier string, tier media.Tier) ratelimit.Decision
	AllowAnonymous(ctx context.Context, addr string) ratelimit.Decision
}

// ReadyCheck is one dependency probe run by GET /readyz.
type ReadyCheck struct {
	Name  string
	Probe func(context.Context) error
}

// Config carries the server's tuning and optional collaborators.
type Config struct {
	// Debug includes sanitized details and a stack trace in low and
	// medium severity error responses.
	Debug bool

	// Production enables HSTS.
	Production bool

	CORSOrigins []string

	// MaxBodyBytes caps request bodies. Zero means 100 MiB.
	MaxBodyBytes int64

	// AllowedIPs restricts /api/v1 to the listed addresses, CIDR
	// ranges, or (for malformed entries) address prefixes. Empty
	// allows every client.
	AllowedIPs []string

	// Breakers, when set, backs GET /api/v1/admin/breakers.
	Breakers *breaker.Registry

	// Cache, when set, backs the admin cache stats and flush
	// endpoints.
	Cache *cache.Cache

	// Ready lists dependency probes for GET /readyz.
	Ready []ReadyCheck
}

// Server is the HTTP layer. Construct with New and mount Router.
type Server struct {
	svc        Service
	authn      Authenticator
	limiter    Limiter
	breakers   *breaker.Registry
	cache      *cache.Cache
	ready      []ReadyCheck
	rules      []allowRule
	validate   *validator.Validate
	debug      bool
	production bool
	cors       []string
	maxBody    int64
	log        *zap.Logger
}

// New constructs a Server.
func New(svc Service, authn Authenticator, limiter Limiter, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 100 << 20
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		svc:        svc,
		authn:      authn,
		limiter:    limiter,
		breakers:   cfg.Breakers,
		cache:      cfg.Cache,
		ready:      cfg.Ready,
		rules:      parseAllowRules(cfg.AllowedIPs),
		validate:   newValidator(),
		debug:      cfg.Debug,
		production: cfg.Production,
		cors:       origins,
		maxBody:    maxBody,
		log:        logger,
	}
}

// Router builds the full middleware chain and route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(s.instrument)
	r.Use(s.recoverer)
	r.Use(s.securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cors,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{
			"X-Request-ID", "Retry-After",
			"X-RateLimit-Limit-Hour", "X-RateLimit-Remaining-Hour",
			"X-RateLimit-Limit-Day", "X-RateLimit-Remaining-Day",
		},
		MaxAge: 300,
	}))
	r.Use(s.maxBodyLimit)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.resolveCredential)
		r.Use(s.allowlist)
		r.Use(s.rateLimit)
		r.Use(s.requireAuth)

		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/jobs/{id}/deliveries", s.handleListDeliveries)

		r.Post("/batches", s.handleSubmitBatch)
		r.Get("/batches/{id}", s.handleGetBatch)
		r.Delete("/batches/{id}", s.handleCancelBatch)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Post("/keys", s.handleCreateKey)
			r.Get("/keys", s.handleListKeys)
			r.Delete("/keys/{id}", s.handleRevokeKey)
			r.Post("/cleanup", s.handleCleanup)
			r.Get("/storage", s.handleStorageStatus)
			r.Get("/webhooks/stats", s.handleWebhookStats)
			r.Get("/breakers", s.handleBreakerStats)
			r.Get("/cache", s.handleCacheStats)
			r.Delete("/cache", s.handleCacheFlush)
		})
	})

	return r
}
