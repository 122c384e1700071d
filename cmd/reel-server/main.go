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

// reel-server runs the HTTP surface, the batch scheduler, the webhook
// delivery worker, and (optionally) in-process transcoding workers.
// Configuration comes from environment variables with flags on top;
// flags win.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reel/internal/api"
	"reel/internal/auth"
	"reel/internal/batch"
	"reel/internal/breaker"
	"reel/internal/cache"
	"reel/internal/config"
	"reel/internal/ffmpeg"
	"reel/internal/jobs"
	"reel/internal/lock"
	"reel/internal/logging"
	"reel/internal/orchestrator"
	"reel/internal/quality"
	"reel/internal/ratelimit"
	"reel/internal/storage"
	"reel/internal/store"
	"reel/internal/webhook"
	"reel/pkg/media"
	"reel/pkg/secrets"
)

func parseConfig() config.Config {
	cfg := config.FromEnv()

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env REEL_HTTP_ADDR)")
	flag.StringVar(&cfg.Environment, "env", cfg.Environment, "Environment: development|production (env REEL_ENV)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Include sanitized details in error responses (env REEL_DEBUG)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (env LOG_LEVEL)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (env DB_PATH)")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address; empty runs on in-process fallbacks (env REDIS_ADDR)")
	flag.StringVar(&cfg.StorageRoot, "storage-root", cfg.StorageRoot, "Local media storage root (env STORAGE_ROOT)")
	flag.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "Scratch directory for in-flight jobs (env WORK_DIR)")
	flag.IntVar(&cfg.WorkerConcurrency, "workers", cfg.WorkerConcurrency, "In-process transcoding workers; 0 delegates to reel-worker (env WORKER_CONCURRENCY)")
	flag.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "ffmpeg executable (env FFMPEG_PATH)")
	flag.StringVar(&cfg.FFprobePath, "ffprobe", cfg.FFprobePath, "ffprobe executable (env FFPROBE_PATH)")
	flag.Parse()

	return cfg
}

func redactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func logConfig(log *zap.Logger, cfg config.Config) {
	log.Info("reel-server configuration",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("environment", cfg.Environment),
		zap.Bool("debug", cfg.Debug),
		zap.String("db", cfg.DBPath),
		zap.String("redis", cfg.RedisAddr),
		zap.String("redis_password", redactedSecret(cfg.RedisPassword)),
		zap.String("storage_root", cfg.StorageRoot),
		zap.String("work_dir", cfg.WorkDir),
		zap.Int("workers", cfg.WorkerConcurrency),
		zap.Duration("job_lease_ttl", cfg.JobLeaseTTL),
		zap.Int("job_retention_days", cfg.JobRetentionDays),
		zap.Bool("rate_limit_enabled", cfg.RateLimitEnabled),
		zap.String("api_key_pepper", redactedSecret(cfg.APIKeyPepper)),
		zap.String("webhook_secret", redactedSecret(cfg.WebhookSecret)),
		zap.String("admin_bootstrap_key", redactedSecret(cfg.AdminBootstrapKey)),
		zap.String("ffmpeg", cfg.FFmpegPath),
		zap.String("ffprobe", cfg.FFprobePath))
}

// bootstrapAdminKey installs an admin credential from
// ADMIN_BOOTSTRAP_KEY when the key table is empty, so a fresh install
// can reach the admin API. Existing installs are never touched.
func bootstrapAdminKey(ctx context.Context, st *store.Store, cfg config.Config, log *zap.Logger) error {
	if cfg.AdminBootstrapKey == "" {
		return nil
	}
	keys, err := st.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}
	if len(keys) > 0 {
		return nil
	}
	key := &media.APIKey{
		ID:        uuid.NewString(),
		KeyHash:   auth.HashKey(cfg.APIKeyPepper, cfg.AdminBootstrapKey),
		Name:      "bootstrap-admin",
		Tier:      media.TierEnterprise,
		Active:    true,
		Admin:     true,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.InsertAPIKey(ctx, key); err != nil {
		return fmt.Errorf("insert bootstrap key: %w", err)
	}
	log.Warn("created bootstrap admin key from ADMIN_BOOTSTRAP_KEY; mint a real key and unset it",
		zap.String("key_id", key.ID))
	return nil
}

func main() {
	cfg := parseConfig()
	logger := logging.New(cfg.LogLevel, !cfg.Production())
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logConfig(logger, cfg)

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	if pass := cfg.EncryptionPassphrase(); pass != "" {
		st.SetEncryptor(secrets.NewEncryptor(pass))
	} else {
		logger.Warn("no secrets passphrase configured; webhook signing secrets are stored in plaintext")
	}

	if err := bootstrapAdminKey(ctx, st, cfg, logger); err != nil {
		logger.Fatal("bootstrap admin key", zap.Error(err))
	}

	// Background work stops when runCtx is cancelled.
	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
		})
		defer func() { _ = client.Close() }()
		rdb = client
	} else {
		logger.Info("redis not configured; cache, locks, and rate limiting run in-process")
	}

	c := cache.New(cache.Options{
		Client:             rdb,
		MaxFallbackEntries: cfg.CacheMaxFallbackEntries,
		TTLOverrides:       cfg.CacheTTLs,
		OpTimeout:          cfg.RedisTimeout,
		Logger:             logger.Named("cache"),
	})

	var locker lock.Locker
	if rdb != nil {
		mgr := lock.NewManager(rdb, logger.Named("lock"))
		go mgr.RunSweeper(runCtx, time.Minute)
		locker = mgr
	} else {
		locker = lock.NewLocal()
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		RecoveryTimeout:  cfg.BreakerRecovery,
	}, logger.Named("breaker"))

	engine := webhook.NewEngine(st, webhook.Config{
		Secret:      cfg.WebhookSecret,
		MaxAttempts: cfg.WebhookMaxAttempts,
		Timeout:     cfg.WebhookTimeout,
		Production:  cfg.Production(),
	}, logger.Named("webhook"))

	retries := webhook.NewWorker(engine, st, webhook.WorkerConfig{
		PollInterval:  cfg.WebhookPollInterval,
		MaxConcurrent: cfg.WebhookMaxConcurrent,
		RetentionAge:  cfg.WebhookRetention,
	}, logger.Named("webhook"))
	retries.Start()

	coordinator := batch.NewCoordinator(st, locker, batch.Config{
		TickInterval: cfg.BatchTickInterval,
		LockTTL:      cfg.BatchLockTTL,
		Notifier:     engine,
	}, logger.Named("batch"))
	go func() { _ = coordinator.Run(runCtx) }()

	local, err := storage.NewLocalBackend(cfg.StorageRoot)
	if err != nil {
		logger.Fatal("storage root", zap.Error(err))
	}
	resolver := storage.NewResolver(local, storage.NewMemoryBackend())

	if cfg.WorkerConcurrency > 0 {
		tool := ffmpeg.NewRunner(cfg.FFmpegPath, cfg.FFprobePath, logger.Named("ffmpeg"))
		pipeline := jobs.NewPipeline(st, resolver, tool, jobs.PipelineConfig{
			Analyzer: quality.NewAnalyzer(tool, cfg.VMAFModelDir, logger.Named("quality")),
			Notifier: engine,
			Breakers: breakers,
			Cache:    c,
			WorkDir:  cfg.WorkDir,
		}, logger.Named("pipeline"))
		worker := jobs.NewWorker(st, pipeline, jobs.WorkerConfig{
			Concurrency:  cfg.WorkerConcurrency,
			PollInterval: cfg.WorkerPollInterval,
			LeaseTTL:     cfg.JobLeaseTTL,
		}, logger.Named("worker"))
		go func() { _ = worker.Run(runCtx) }()
	}

	orch := orchestrator.New(st, resolver, orchestrator.Config{
		Batches:       coordinator,
		Cache:         c,
		Pepper:        cfg.APIKeyPepper,
		Production:    cfg.Production(),
		RetentionDays: cfg.JobRetentionDays,
	}, logger.Named("orchestrator"))

	authn := auth.New(st, c, cfg.APIKeyPepper, logger.Named("auth"))
	limiter := ratelimit.New(rdb, ratelimit.Config{
		Enabled:         cfg.RateLimitEnabled,
		AnonymousCalls:  cfg.RateLimitDefaultCalls,
		AnonymousPeriod: cfg.RateLimitDefaultPeriod,
	}, logger.Named("ratelimit"))

	server := api.New(orch, authn, limiter, api.Config{
		Debug:        cfg.Debug,
		Production:   cfg.Production(),
		CORSOrigins:  cfg.CORSOrigins,
		MaxBodyBytes: cfg.MaxBodyBytes,
		AllowedIPs:   cfg.AllowedIPs,
		Breakers:     breakers,
		Cache:        c,
		Ready: []api.ReadyCheck{
			{Name: "store", Probe: st.Healthy},
			{Name: "cache", Probe: c.Ping},
		},
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	stopWorkers()
	retries.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
