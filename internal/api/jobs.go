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
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"reel/internal/ctxkeys"
	"reel/internal/store"
	"reel/pkg/media"
)

// handleSubmitJob accepts a job for asynchronous processing. The 202
// body is the queued job; its job_id is the handle for everything
// after.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	key := ctxkeys.GetCredential(r.Context())

	var req submitJobRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkStruct(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.svc.Submit(r.Context(), key, req.toSubmit())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	key := ctxkeys.GetCredential(r.Context())
	q := r.URL.Query()

	filter := store.JobFilter{
		APIKeyID: q.Get("api_key_id"),
		State:    media.JobState(q.Get("status")),
		BatchID:  q.Get("batch_id"),
		Page:     intQuery(q, "page"),
		PerPage:  intQuery(q, "per_page"),
	}
	page, err := s.svc.ListJobs(r.Context(), key, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	key := ctxkeys.GetCredential(r.Context())

	detail, err := s.svc.GetJob(r.Context(), key, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

type cancelJobResponse struct {
	JobID  string         `json:"job_id"`
	Status media.JobState `json:"status"`
}

// handleCancelJob cancels a queued job immediately; a processing job
// is flagged and reads back as processing until its worker observes
// the flag.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	key := ctxkeys.GetCredential(r.Context())
	id := chi.URLParam(r, "id")

	state, err := s.svc.CancelJob(r.Context(), key, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cancelJobResponse{JobID: id, Status: state})
}

type deliveriesResponse struct {
	JobID      string                   `json:"job_id"`
	Deliveries []*media.WebhookDelivery `json:"deliveries"`
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	key := ctxkeys.GetCredential(r.Context())
	id := chi.URLParam(r, "id")

	deliveries, err := s.svc.ListDeliveries(r.Context(), key, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if deliveries == nil {
		deliveries = []*media.WebhookDelivery{}
	}
	s.writeJSON(w, http.StatusOK, deliveriesResponse{JobID: id, Deliveries: deliveries})
}

func intQuery(q url.Values, name string) int {
	v := q.Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
