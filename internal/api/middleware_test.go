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

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"reel/internal/errdefs"
	"reel/internal/orchestrator"
	"reel/internal/store"
	"reel/pkg/media"
)

func TestIPAllowedRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []string
		addr  string
		want  bool
	}{
		{"no rules allows all", nil, "198.51.100.1", true},
		{"exact match", []string{"192.0.2.10"}, "192.0.2.10", true},
		{"exact mismatch", []string{"192.0.2.10"}, "192.0.2.11", false},
		{"cidr contains", []string{"10.0.0.0/8"}, "10.34.2.3", true},
		{"cidr excludes", []string{"10.0.0.0/8"}, "11.0.0.1", false},
		{"ipv6 exact", []string{"2001:db8::1"}, "2001:db8::1", true},
		{"prefix fallback for malformed entry", []string{"172.16."}, "172.16.5.4", true},
		{"prefix fallback mismatch", []string{"172.16."}, "172.17.5.4", false},
		{"second rule wins", []string{"192.0.2.10", "10.0.0.0/8"}, "10.1.1.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{rules: parseAllowRules(tt.rules)}
			if got := s.ipAllowed(tt.addr); got != tt.want {
				t.Fatalf("ipAllowed(%q) with rules %v = %v, want %v", tt.addr, tt.rules, got, tt.want)
			}
		})
	}
}

func TestAllowlistMiddleware(t *testing.T) {
	h := newTestServer(t, nil, Config{AllowedIPs: []string{"203.0.113.7"}})

	// httptest requests come from 192.0.2.1 by default.
	rec := doRequest(t, h, http.MethodGet, "/api/v1/jobs", "user-token", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unlisted address, got %d", rec.Code)
	}
	e := decodeEnvelope(t, rec)
	if e.Code != errdefs.CodeAccessDenied || e.Type != errdefs.KindAuthorization {
		t.Fatalf("unexpected envelope: %+v", e)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.RemoteAddr = "203.0.113.7:40312"
	req.Header.Set("X-API-Key", "user-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for listed address, got %d", rec.Code)
	}

	// Probes sit outside the allow-list.
	rec = doRequest(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on healthz, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr with port", "198.51.100.4:2222", nil, "198.51.100.4"},
		{"remote addr without port", "198.51.100.4", nil, "198.51.100.4"},
		{"forwarded-for first hop", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"forwarded-for single", "10.0.0.1:80", map[string]string{"X-Forwarded-For": " 203.0.113.9 "}, "203.0.113.9"},
		{"real-ip", "10.0.0.1:80", map[string]string{"X-Real-IP": "203.0.113.12"}, "203.0.113.12"},
		{"forwarded-for beats real-ip", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.9", "X-Real-IP": "203.0.113.12"}, "203.0.113.9"},
		{"ipv6 remote", "[2001:db8::1]:443", nil, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecovererConvertsPanic(t *testing.T) {
	svc := &fakeService{
		listJobs: func(ctx context.Context, key *media.APIKey, filter store.JobFilter) (*orchestrator.JobPage, error) {
			panic("boom")
		},
	}
	h := newTestServer(t, svc, Config{})

	rec := doRequest(t, h, http.MethodGet, "/api/v1/jobs", "user-token", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	e := decodeEnvelope(t, rec)
	if e.Code != errdefs.CodeInternal {
		t.Fatalf("expected INTERNAL_ERROR, got %q", e.Code)
	}
	if strings.Contains(e.Message, "boom") {
		t.Fatalf("panic value leaked into the response: %q", e.Message)
	}
}

func TestMaxBodyLimit(t *testing.T) {
	h := newTestServer(t, nil, Config{MaxBodyBytes: 64})

	body := `{"input_path":"` + strings.Repeat("a", 128) + `","output_path":"b"}`
	rec := doRequest(t, h, http.MethodPost, "/api/v1/jobs", "user-token", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rec.Code)
	}
	e := decodeEnvelope(t, rec)
	if e.Code != errdefs.CodeValidationFailed || !strings.Contains(e.Message, "64 byte limit") {
		t.Fatalf("unexpected envelope: %+v", e)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, nil, Config{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
	if allow := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(allow, http.MethodPost) {
		t.Fatalf("expected POST in allowed methods, got %q", allow)
	}
}

func TestCORSRestrictedOrigin(t *testing.T) {
	h := newTestServer(t, nil, Config{CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin for foreign origin, got %q", got)
	}
}

func TestValidRequestID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abc-123", true},
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		if got := validRequestID(tt.id); got != tt.want {
			t.Fatalf("validRequestID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestInstrumentObservesRoutePattern(t *testing.T) {
	// The route pattern, not the raw path, must reach the metrics
	// labels so job ids do not explode cardinality. Exercise one
	// parameterized route and read the exposition back.
	h := newTestServer(t, nil, Config{})

	doRequest(t, h, http.MethodGet, "/api/v1/jobs/some-job-id", "user-token", "")
	rec := doRequest(t, h, http.MethodGet, "/metrics", "", "")
	body := rec.Body.String()
	if !strings.Contains(body, `route="/api/v1/jobs/`) {
		t.Fatal("expected the chi route pattern as the metrics label")
	}
	if strings.Contains(body, "some-job-id") {
		t.Fatal("raw path leaked into metrics labels")
	}
}

func TestRateLimitSkipsProbes(t *testing.T) {
	s := New(&fakeService{}, &fakeAuth{keys: testKeys()}, closedLimiter{}, Config{}, zap.NewNop())
	h := s.Router()

	// Quota exhausted, but probes and metrics never consult the limiter.
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := doRequest(t, h, http.MethodGet, path, "", "")
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("%s must not be rate limited", path)
		}
	}
}
