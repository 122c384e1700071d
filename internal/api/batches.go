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

	"github.com/go-chi/chi/v5"

	"reel/internal/ctxkeys"
	"reel/pkg/media"
)

// batchResponse adds the derived status to the batch record; the
// stored row carries only counters.
type batchResponse struct {
	*media.Batch
	Status media.BatchStatus `json:"status"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	key := ctxkeys.GetCredential(r.Context())

	var req submitBatchRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkStruct(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.svc.SubmitBatch(r.Context(), key, req.toSubmit())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, batchResponse{Batch: b, Status: b.Status()})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	key := ctxkeys.GetCredential(r.Context())

	b, err := s.svc.GetBatch(r.Context(), key, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batchResponse{Batch: b, Status: b.Status()})
}

type cancelBatchResponse struct {
	BatchID   string `json:"batch_id"`
	Cancelled int64  `json:"cancelled"`
	Flagged   int64  `json:"flagged"`
}

// handleCancelBatch cancels every queued child and flags the
// processing ones; the response reports both counts.
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	key := ctxkeys.GetCredential(r.Context())
	id := chi.URLParam(r, "id")

	cancelled, flagged, err := s.svc.CancelBatch(r.Context(), key, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cancelBatchResponse{
		BatchID:   id,
		Cancelled: cancelled,
		Flagged:   flagged,
	})
}
