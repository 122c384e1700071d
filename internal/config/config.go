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

// Package config loads service configuration from the environment with
// typed defaults. Binaries layer command-line flags on top, so flags
// always win over environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environments recognized by Validate. Production tightens webhook URL
// policy and disables debug error payloads.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds every tunable for the server and worker binaries.
type Config struct {
	// Server
	HTTPAddr     string
	Environment  string
	Debug        bool
	LogLevel     string
	CORSOrigins  []string
	MaxBodyBytes int64
	AllowedIPs   []string

	// Persistence
	DBPath string

	// Redis (empty addr disables the remote tier; cache, locks, and
	// rate limiting then run on in-process fallbacks)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	// Cache
	CacheMaxFallbackEntries int
	CacheTTLs               map[string]time.Duration

	// Rate limiting
	RateLimitEnabled       bool
	RateLimitDefaultCalls  int64
	RateLimitDefaultPeriod time.Duration

	// Circuit breakers
	BreakerThreshold uint32
	BreakerRecovery  time.Duration

	// Webhooks
	WebhookSecret        string
	WebhookMaxAttempts   int
	WebhookTimeout       time.Duration
	WebhookRetention     time.Duration
	WebhookMaxConcurrent int
	WebhookPollInterval  time.Duration

	// Workers and jobs
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	JobLeaseTTL        time.Duration
	JobRetentionDays   int
	WorkDir            string

	// Batches
	BatchTickInterval time.Duration
	BatchLockTTL      time.Duration

	// Media tooling
	FFmpegPath   string
	FFprobePath  string
	VMAFModelDir string

	// Storage
	StorageRoot string

	// Auth
	APIKeyPepper      string
	AdminBootstrapKey string
	SecretsPassphrase string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		Environment:  EnvDevelopment,
		Debug:        false,
		LogLevel:     "info",
		CORSOrigins:  []string{"*"},
		MaxBodyBytes: 100 << 20,
		AllowedIPs:   nil,

		DBPath: "reel.db",

		RedisAddr:     "",
		RedisPassword: "",
		RedisDB:       0,
		RedisTimeout:  5 * time.Second,

		CacheMaxFallbackEntries: 1000,
		CacheTTLs:               map[string]time.Duration{},

		RateLimitEnabled:       true,
		RateLimitDefaultCalls:  100,
		RateLimitDefaultPeriod: time.Hour,

		BreakerThreshold: 5,
		BreakerRecovery:  60 * time.Second,

		WebhookSecret:        "",
		WebhookMaxAttempts:   5,
		WebhookTimeout:       30 * time.Second,
		WebhookRetention:     7 * 24 * time.Hour,
		WebhookMaxConcurrent: 10,
		WebhookPollInterval:  15 * time.Second,

		WorkerConcurrency:  4,
		WorkerPollInterval: 3 * time.Second,
		JobLeaseTTL:        2 * time.Minute,
		JobRetentionDays:   30,
		WorkDir:            "",

		BatchTickInterval: 2 * time.Second,
		BatchLockTTL:      30 * time.Second,

		FFmpegPath:   "ffmpeg",
		FFprobePath:  "ffprobe",
		VMAFModelDir: "",

		StorageRoot: "/var/lib/reel/media",

		APIKeyPepper:      "",
		AdminBootstrapKey: "",
		SecretsPassphrase: "",
	}
}

// FromEnv loads configuration from environment variables on top of the
// defaults. Malformed numeric or duration values keep the default
// rather than aborting; Validate catches structurally bad results.
func FromEnv() Config {
	def := Default()
	cfg := Config{
		HTTPAddr:     Getenv("REEL_HTTP_ADDR", def.HTTPAddr),
		Environment:  Getenv("REEL_ENV", def.Environment),
		Debug:        GetenvBool("REEL_DEBUG", def.Debug),
		LogLevel:     Getenv("LOG_LEVEL", def.LogLevel),
		CORSOrigins:  GetenvList("CORS_ORIGINS", def.CORSOrigins),
		MaxBodyBytes: GetenvInt64("MAX_BODY_BYTES", def.MaxBodyBytes),
		AllowedIPs:   GetenvList("ALLOWED_IPS", def.AllowedIPs),

		DBPath: Getenv("DB_PATH", def.DBPath),

		RedisAddr:     Getenv("REDIS_ADDR", def.RedisAddr),
		RedisPassword: Getenv("REDIS_PASSWORD", def.RedisPassword),
		RedisDB:       GetenvInt("REDIS_DB", def.RedisDB),
		RedisTimeout:  GetenvDuration("REDIS_TIMEOUT", def.RedisTimeout),

		CacheMaxFallbackEntries: GetenvInt("CACHE_MAX_FALLBACK_ENTRIES", def.CacheMaxFallbackEntries),
		CacheTTLs:               GetenvTTLs("CACHE_DEFAULT_TTLS", def.CacheTTLs),

		RateLimitEnabled:       GetenvBool("RATE_LIMIT_ENABLED", def.RateLimitEnabled),
		RateLimitDefaultCalls:  GetenvInt64("RATE_LIMIT_CALLS", def.RateLimitDefaultCalls),
		RateLimitDefaultPeriod: GetenvDuration("RATE_LIMIT_PERIOD", def.RateLimitDefaultPeriod),

		BreakerThreshold: uint32(GetenvInt("BREAKER_FAILURE_THRESHOLD", int(def.BreakerThreshold))),
		BreakerRecovery:  GetenvDuration("BREAKER_RECOVERY_TIMEOUT", def.BreakerRecovery),

		WebhookSecret:        Getenv("WEBHOOK_SECRET", def.WebhookSecret),
		WebhookMaxAttempts:   GetenvInt("WEBHOOK_MAX_ATTEMPTS", def.WebhookMaxAttempts),
		WebhookTimeout:       GetenvDuration("WEBHOOK_TIMEOUT", def.WebhookTimeout),
		WebhookRetention:     GetenvDuration("WEBHOOK_RETENTION", def.WebhookRetention),
		WebhookMaxConcurrent: GetenvInt("WEBHOOK_MAX_CONCURRENT", def.WebhookMaxConcurrent),
		WebhookPollInterval:  GetenvDuration("WEBHOOK_POLL_INTERVAL", def.WebhookPollInterval),

		WorkerConcurrency:  GetenvInt("WORKER_CONCURRENCY", def.WorkerConcurrency),
		WorkerPollInterval: GetenvDuration("WORKER_POLL_INTERVAL", def.WorkerPollInterval),
		JobLeaseTTL:        GetenvDuration("JOB_LEASE_TTL", def.JobLeaseTTL),
		JobRetentionDays:   GetenvInt("JOB_RETENTION_DAYS", def.JobRetentionDays),
		WorkDir:            Getenv("WORK_DIR", def.WorkDir),

		BatchTickInterval: GetenvDuration("BATCH_TICK_INTERVAL", def.BatchTickInterval),
		BatchLockTTL:      GetenvDuration("BATCH_LOCK_TTL", def.BatchLockTTL),

		FFmpegPath:   Getenv("FFMPEG_PATH", def.FFmpegPath),
		FFprobePath:  Getenv("FFPROBE_PATH", def.FFprobePath),
		VMAFModelDir: Getenv("VMAF_MODEL_DIR", def.VMAFModelDir),

		StorageRoot: Getenv("STORAGE_ROOT", def.StorageRoot),

		APIKeyPepper:      Getenv("API_KEY_PEPPER", def.APIKeyPepper),
		AdminBootstrapKey: Getenv("ADMIN_BOOTSTRAP_KEY", def.AdminBootstrapKey),
		SecretsPassphrase: Getenv("SECRETS_PASSPHRASE", def.SecretsPassphrase),
	}
	return cfg
}

// Validate checks structural constraints. Called once at startup after
// flags are applied.
func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP listen address is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("max body bytes must be positive")
	}
	if c.CacheMaxFallbackEntries < 1 {
		return fmt.Errorf("cache fallback capacity must be at least 1")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.BreakerRecovery < time.Second {
		return fmt.Errorf("breaker recovery timeout must be at least 1s")
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("webhook max attempts must be at least 1")
	}
	if c.WebhookTimeout < time.Second {
		return fmt.Errorf("webhook timeout must be at least 1s")
	}
	if c.WorkerConcurrency < 0 {
		return fmt.Errorf("worker concurrency cannot be negative")
	}
	if c.JobLeaseTTL < 10*time.Second {
		return fmt.Errorf("job lease TTL must be at least 10s")
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("redis db must be between 0 and 15")
	}
	for name := range c.CacheTTLs {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("cache TTL category name cannot be empty")
		}
	}
	return nil
}

// Production reports whether the service runs with the production
// environment policy.
func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

// EncryptionPassphrase returns the passphrase used for secrets at rest:
// SECRETS_PASSPHRASE if set, otherwise the webhook secret. Empty means
// per-credential webhook secrets cannot be stored.
func (c *Config) EncryptionPassphrase() string {
	if c.SecretsPassphrase != "" {
		return c.SecretsPassphrase
	}
	return c.WebhookSecret
}

// Getenv returns the environment value for key, or def when unset.
func Getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetenvBool parses a boolean environment value, keeping def on error.
func GetenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetenvInt parses an integer environment value, keeping def on error.
func GetenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetenvInt64 parses a 64-bit integer environment value.
func GetenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetenvDuration parses a duration environment value, keeping def on
// error.
func GetenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// GetenvList parses a comma-separated environment value into a slice,
// trimming whitespace and dropping empty items.
func GetenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// GetenvTTLs parses "category=duration" pairs separated by commas,
// e.g. "job_status=30s,job_list=1m". Malformed pairs are skipped.
func GetenvTTLs(key string, def map[string]time.Duration) map[string]time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out := map[string]time.Duration{}
	for _, pair := range strings.Split(v, ",") {
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil || name == "" {
			continue
		}
		out[name] = d
	}
	if len(out) == 0 {
		return def
	}
	return out
}
