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

// reel-worker is the standalone transcoding worker. It leases queued
// jobs from the shared database, runs the download/process/upload
// pipeline, and re-sends due webhook retries. Any number of workers
// may run against the same database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reel/internal/breaker"
	"reel/internal/cache"
	"reel/internal/config"
	"reel/internal/ffmpeg"
	"reel/internal/jobs"
	"reel/internal/logging"
	"reel/internal/metrics"
	"reel/internal/quality"
	"reel/internal/storage"
	"reel/internal/store"
	"reel/internal/webhook"
	"reel/pkg/media"
	"reel/pkg/secrets"
)

func main() {
	cfg := config.FromEnv()
	var (
		workerID     = flag.String("worker-id", "", "Worker identity in leases; defaults to hostname plus a random suffix")
		metricsAddr  = flag.String("metrics-addr", "", "Serve /healthz and /metrics on this address; empty disables")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (env DB_PATH)")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for shared cache invalidation (env REDIS_ADDR)")
	flag.StringVar(&cfg.StorageRoot, "storage-root", cfg.StorageRoot, "Local media storage root (env STORAGE_ROOT)")
	flag.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "Scratch directory for in-flight jobs (env WORK_DIR)")
	flag.IntVar(&cfg.WorkerConcurrency, "workers", cfg.WorkerConcurrency, "Jobs processed in parallel (env WORKER_CONCURRENCY)")
	flag.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "ffmpeg executable (env FFMPEG_PATH)")
	flag.StringVar(&cfg.FFprobePath, "ffprobe", cfg.FFprobePath, "ffprobe executable (env FFPROBE_PATH)")
	flag.StringVar(&cfg.VMAFModelDir, "vmaf-model-dir", cfg.VMAFModelDir, "Directory with VMAF model files (env VMAF_MODEL_DIR)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (env LOG_LEVEL)")
	flag.Parse()

	if *printVersion {
		fmt.Println(media.Version)
		return
	}

	logger := logging.New(cfg.LogLevel, !cfg.Production())
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("component", "reel-worker"))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	if pass := cfg.EncryptionPassphrase(); pass != "" {
		st.SetEncryptor(secrets.NewEncryptor(pass))
	}

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
	}

	// Without Redis the cache is process-local and cannot invalidate
	// the server's entries; progress then surfaces after TTL expiry.
	c := cache.New(cache.Options{
		Client:             rdb,
		MaxFallbackEntries: cfg.CacheMaxFallbackEntries,
		TTLOverrides:       cfg.CacheTTLs,
		OpTimeout:          cfg.RedisTimeout,
		Logger:             logger.Named("cache"),
	})

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
	defer retries.Stop()

	local, err := storage.NewLocalBackend(cfg.StorageRoot)
	if err != nil {
		logger.Fatal("storage root", zap.Error(err))
	}
	resolver := storage.NewResolver(local, storage.NewMemoryBackend())

	tool := ffmpeg.NewRunner(cfg.FFmpegPath, cfg.FFprobePath, logger.Named("ffmpeg"))
	pipeline := jobs.NewPipeline(st, resolver, tool, jobs.PipelineConfig{
		Analyzer: quality.NewAnalyzer(tool, cfg.VMAFModelDir, logger.Named("quality")),
		Notifier: engine,
		Breakers: breakers,
		Cache:    c,
		WorkDir:  cfg.WorkDir,
	}, logger.Named("pipeline"))

	worker := jobs.NewWorker(st, pipeline, jobs.WorkerConfig{
		WorkerID:     *workerID,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		LeaseTTL:     cfg.JobLeaseTTL,
	}, logger)

	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, st, logger)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
}

// serveMetrics exposes liveness and the Prometheus exposition for
// scraping. Worker fleets are sized from these stage metrics.
func serveMetrics(ctx context.Context, addr string, st *store.Store, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok", "version": media.Version}
		if err := st.Healthy(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics listener failed", zap.Error(err))
	}
}
