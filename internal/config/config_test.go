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

package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.Environment != EnvDevelopment {
		t.Errorf("Environment = %q, want development", cfg.Environment)
	}
	if !cfg.RateLimitEnabled {
		t.Error("rate limiting should default to enabled")
	}
	if cfg.BreakerThreshold != 5 {
		t.Errorf("BreakerThreshold = %d, want 5", cfg.BreakerThreshold)
	}
	if cfg.WebhookMaxAttempts != 5 {
		t.Errorf("WebhookMaxAttempts = %d, want 5", cfg.WebhookMaxAttempts)
	}
	if cfg.WebhookRetention != 7*24*time.Hour {
		t.Errorf("WebhookRetention = %v, want 168h", cfg.WebhookRetention)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("REEL_HTTP_ADDR", ":9999")
	t.Setenv("REEL_ENV", "production")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("JOB_LEASE_TTL", "5m")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg := FromEnv()
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if !cfg.Production() {
		t.Error("Production() should be true")
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Errorf("WorkerConcurrency = %d", cfg.WorkerConcurrency)
	}
	if cfg.JobLeaseTTL != 5*time.Minute {
		t.Errorf("JobLeaseTTL = %v", cfg.JobLeaseTTL)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestFromEnvMalformedKeepsDefault(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("JOB_LEASE_TTL", "soon")
	t.Setenv("RATE_LIMIT_ENABLED", "yes-please")

	def := Default()
	cfg := FromEnv()
	if cfg.WorkerConcurrency != def.WorkerConcurrency {
		t.Errorf("WorkerConcurrency = %d, want default %d", cfg.WorkerConcurrency, def.WorkerConcurrency)
	}
	if cfg.JobLeaseTTL != def.JobLeaseTTL {
		t.Errorf("JobLeaseTTL = %v, want default %v", cfg.JobLeaseTTL, def.JobLeaseTTL)
	}
	if cfg.RateLimitEnabled != def.RateLimitEnabled {
		t.Errorf("RateLimitEnabled = %v, want default", cfg.RateLimitEnabled)
	}
}

func TestGetenvTTLs(t *testing.T) {
	t.Setenv("CACHE_DEFAULT_TTLS", "job_status=45s, job_list=2m,bogus,broken=xx")
	cfg := FromEnv()
	if got := cfg.CacheTTLs["job_status"]; got != 45*time.Second {
		t.Errorf("job_status ttl = %v, want 45s", got)
	}
	if got := cfg.CacheTTLs["job_list"]; got != 2*time.Minute {
		t.Errorf("job_list ttl = %v, want 2m", got)
	}
	if _, ok := cfg.CacheTTLs["broken"]; ok {
		t.Error("malformed pair should be skipped")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad environment", func(c *Config) { c.Environment = "staging" }, true},
		{"empty addr", func(c *Config) { c.HTTPAddr = "" }, true},
		{"empty db path", func(c *Config) { c.DBPath = "" }, true},
		{"zero breaker threshold", func(c *Config) { c.BreakerThreshold = 0 }, true},
		{"tiny lease", func(c *Config) { c.JobLeaseTTL = time.Second }, true},
		{"negative workers", func(c *Config) { c.WorkerConcurrency = -1 }, true},
		{"redis db out of range", func(c *Config) { c.RedisDB = 22 }, true},
		{"production ok", func(c *Config) { c.Environment = EnvProduction }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptionPassphrase(t *testing.T) {
	cfg := Default()
	if cfg.EncryptionPassphrase() != "" {
		t.Error("empty config should yield empty passphrase")
	}
	cfg.WebhookSecret = "hook-secret"
	if cfg.EncryptionPassphrase() != "hook-secret" {
		t.Error("webhook secret should be the fallback passphrase")
	}
	cfg.SecretsPassphrase = "dedicated"
	if cfg.EncryptionPassphrase() != "dedicated" {
		t.Error("dedicated passphrase should win")
	}
}
