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
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"reel/internal/auth"
	"reel/internal/ctxkeys"
	"reel/internal/errdefs"
	"reel/internal/metrics"
	"reel/internal/ratelimit"
)

// requestID tags every request with an id and echoes it back. Inbound
// ids are honored when they look sane so callers can correlate across
// services; everything else gets a fresh one.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if inbound := r.Header.Get("X-Request-ID"); validRequestID(inbound) {
			ctx = ctxkeys.WithRequestID(ctx, inbound)
		}
		ctx, id := ctxkeys.EnsureRequestID(ctx)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

// statusRecorder captures the response code for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, route, rec.status, elapsed)
		s.log.Debug("http request",
			zap.String("request_id", ctxkeys.GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("request_id", ctxkeys.GetRequestID(r.Context())),
					zap.String("path", r.URL.Path),
					zap.String("stack", errdefs.Stack()))
				s.writeError(w, r, errdefs.New(errdefs.CodeInternal, errdefs.KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if s.production {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// resolveCredential authenticates the token when one is present and
// stashes the credential on the context. Requests without a token pass
// through anonymously; requireAuth decides later whether that is
// acceptable, after the anonymous rate limit has been charged.
func (s *Server) resolveCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		key, err := s.authn.Authenticate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxkeys.WithCredential(r.Context(), key)))
	})
}

// allowRule is one parsed allow-list entry: an exact address, a CIDR
// range, or a raw prefix kept as the fallback for entries that parse
// as neither.
type allowRule struct {
	ip     net.IP
	cidr   *net.IPNet
	prefix string
}

func parseAllowRules(entries []string) []allowRule {
	rules := make([]allowRule, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			rules = append(rules, allowRule{ip: ip})
			continue
		}
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			rules = append(rules, allowRule{cidr: ipnet})
			continue
		}
		rules = append(rules, allowRule{prefix: entry})
	}
	return rules
}

func (s *Server) ipAllowed(addr string) bool {
	if len(s.rules) == 0 {
		return true
	}
	ip := net.ParseIP(addr)
	for _, rule := range s.rules {
		switch {
		case rule.ip != nil:
			if ip != nil && rule.ip.Equal(ip) {
				return true
			}
		case rule.cidr != nil:
			if ip != nil && rule.cidr.Contains(ip) {
				return true
			}
		default:
			if strings.HasPrefix(addr, rule.prefix) {
				return true
			}
		}
	}
	return false
}

func (s *Server) allowlist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientIP(r)
		if !s.ipAllowed(addr) {
			s.log.Warn("client address rejected by allow-list",
				zap.String("request_id", ctxkeys.GetRequestID(r.Context())),
				zap.String("client_ip", addr))
			s.writeError(w, r, errdefs.New(errdefs.CodeAccessDenied, errdefs.KindAuthorization,
				"client address is not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit charges the request against the credential's tier quota,
// or against the anonymous per-address quota when no credential is
// present. Quota headers ride on every response; a denial adds
// Retry-After and the usage details.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d ratelimit.Decision
		key := ctxkeys.GetCredential(r.Context())
		if key != nil {
			d = s.limiter.AllowKey(r.Context(), key.ID, key.Tier)
			setRateHeaders(w, d, true)
		} else {
			d = s.limiter.AllowAnonymous(r.Context(), clientIP(r))
			setRateHeaders(w, d, false)
		}
		if !d.Allowed {
			retry := int64(d.RetryAfter / time.Second)
			w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
			err := errdefs.New(errdefs.CodeRateLimited, errdefs.KindRateLimit, "rate limit exceeded").
				WithDetail("window", d.Window).
				WithDetail("retry_after_seconds", retry)
			if d.Window == ratelimit.WindowDay {
				err.WithDetail("limit", d.DayLimit).WithDetail("used", d.DayUsed)
			} else {
				err.WithDetail("limit", d.HourLimit).WithDetail("used", d.HourUsed)
			}
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision, authenticated bool) {
	h := w.Header()
	h.Set("X-RateLimit-Limit-Hour", strconv.FormatInt(d.HourLimit, 10))
	h.Set("X-RateLimit-Remaining-Hour", strconv.FormatInt(d.HourRemaining, 10))
	if authenticated {
		h.Set("X-RateLimit-Limit-Day", strconv.FormatInt(d.DayLimit, 10))
		h.Set("X-RateLimit-Remaining-Day", strconv.FormatInt(d.DayRemaining, 10))
	}
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ctxkeys.GetCredential(r.Context()) == nil {
			s.writeError(w, r, errdefs.New(errdefs.CodeAccessDenied, errdefs.KindAuthentication,
				"API key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ctxkeys.GetCredential(r.Context())
		if key == nil || !key.Admin {
			s.writeError(w, r, errdefs.New(errdefs.CodeAccessDenied, errdefs.KindAuthorization,
				"admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client address: X-Forwarded-For first, then
// X-Real-IP, then the connection's remote address with the port
// stripped.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
