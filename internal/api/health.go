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
	"net/http"

	"reel/internal/errdefs"
	"reel/pkg/media"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// handleHealthz is the liveness probe: the process is up and serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: media.Version})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleReadyz runs every configured dependency probe. Any failure
// flips the response to 503 so load balancers drain the instance.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.ready))
	healthy := true
	for _, chk := range s.ready {
		if err := chk.Probe(r.Context()); err != nil {
			checks[chk.Name] = errdefs.Sanitize(err.Error())
			healthy = false
			continue
		}
		checks[chk.Name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	s.writeJSON(w, status, readyResponse{Status: state, Checks: checks})
}
