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

// Admin endpoints. All of them sit behind requireAdmin.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"reel/internal/breaker"
	"reel/internal/cache"
	"reel/pkg/media"
)

// createKeyResponse carries the one-time secrets. The token and the
// webhook signing secret are shown here and never again; only the
// token's hash is stored.
type createKeyResponse struct {
	Key           *media.APIKey `json:"key"`
	Token         string        `json:"token"`
	WebhookSecret string        `json:"webhook_secret"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkStruct(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	key, token, err := s.svc.CreateKey(r.Context(), req.toKeyRequest())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createKeyResponse{
		Key:           key,
		Token:         token,
		WebhookSecret: key.WebhookSecret,
	})
}

type listKeysResponse struct {
	Keys []*media.APIKey `json:"keys"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.svc.ListKeys(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*media.APIKey{}
	}
	s.writeJSON(w, http.StatusOK, listKeysResponse{Keys: keys})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RevokeKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

// handleCleanup purges terminal jobs older than the requested number
// of days; an empty body uses the configured retention.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkStruct(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	n, err := s.svc.CleanupTerminal(r.Context(), time.Duration(req.OlderThanDays)*24*time.Hour)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cleanupResponse{Deleted: n})
}

type storageStatusResponse struct {
	Backends map[string]string `json:"backends"`
}

func (s *Server) handleStorageStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, storageStatusResponse{
		Backends: s.svc.StorageStatus(r.Context()),
	})
}

func (s *Server) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.WebhookStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type breakerStatsResponse struct {
	Breakers map[string]breaker.Stats `json:"breakers"`
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]breaker.Stats{}
	if s.breakers != nil {
		stats = s.breakers.Stats()
	}
	s.writeJSON(w, http.StatusOK, breakerStatsResponse{Breakers: stats})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	var stats cache.Stats
	if s.cache != nil {
		stats = s.cache.Stats()
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleCacheFlush drops every cache entry except held locks.
func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		if err := s.cache.Clear(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
