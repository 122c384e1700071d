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
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"reel/internal/ctxkeys"
	"reel/internal/errdefs"
)

// errorBody is the inner object of the error envelope. Messages and
// detail strings are sanitized before they reach it.
type errorBody struct {
	Code    errdefs.Code   `json:"code"`
	Message string         `json:"message"`
	Type    errdefs.Kind   `json:"type"`
	Level   errdefs.Level  `json:"level"`
	Details map[string]any `json:"details,omitempty"`
	Stack   string         `json:"stack,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal response", zap.Error(err))
		http.Error(w, `{"error":{"code":"INTERNAL_ERROR","message":"internal error","type":"internal","level":"medium"}}`,
			http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.log.Debug("write response body", zap.Error(err))
	}
}

// writeError renders err as the standard envelope. Rate-limit and
// circuit-open responses always carry their retry hints; other details
// surface only in debug mode and only for low and medium severity.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errdefs.AsError(err)
	status := errdefs.HTTPStatus(e.Code)

	body := errorBody{
		Code:    e.Code,
		Message: e.SanitizedMessage(),
		Type:    e.Kind,
		Level:   e.Level,
	}
	switch e.Code {
	case errdefs.CodeRateLimited, errdefs.CodeCircuitOpen:
		body.Details = e.SanitizedDetails()
	default:
		if s.debug && (e.Level == errdefs.LevelLow || e.Level == errdefs.LevelMedium) {
			body.Details = e.SanitizedDetails()
			body.Stack = errdefs.Stack()
		}
	}

	fields := []zap.Field{
		zap.String("request_id", ctxkeys.GetRequestID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("code", string(e.Code)),
		zap.Error(err),
	}
	switch {
	case e.Code == errdefs.CodeRateLimited || e.Code == errdefs.CodeCircuitOpen:
		s.log.Info("request rejected", fields...)
	case status >= http.StatusInternalServerError || e.Level == errdefs.LevelHigh || e.Level == errdefs.LevelCritical:
		s.log.Error("request failed", fields...)
	default:
		s.log.Debug("request failed", fields...)
	}

	s.writeJSON(w, status, errorEnvelope{Error: body})
}

// decodeJSON parses the request body into dst. An empty body is a
// validation error; callers with optional bodies pass allowEmpty.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		if allowEmpty {
			return nil
		}
		return errdefs.Validation("request body is required")
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errdefs.Validationf("request body exceeds the %d byte limit", tooLarge.Limit)
	}
	return errdefs.Validationf("invalid JSON body: %v", err)
}
