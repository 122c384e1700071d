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
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"reel/internal/errdefs"
	"reel/internal/orchestrator"
	"reel/pkg/media"
)

// newValidator builds the request validator. Violations report the
// JSON field name, not the Go one. Locator and operation semantics are
// deliberately not validated here; the orchestrator owns them so that
// traversal attempts classify as security violations instead of plain
// validation failures.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkStruct validates v and converts violations into a single
// VALIDATION_FAILED error naming every offending field.
func (s *Server) checkStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errdefs.Validation("invalid request body")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return errdefs.Validation(describeFieldError(verrs[0])).
		WithDetail("fields", fields)
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "url":
		return fe.Field() + " must be a valid URL"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds the maximum of %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fe.Field() + " is invalid"
	}
}

// submitJobRequest is the wire shape of POST /api/v1/jobs.
type submitJobRequest struct {
	InputPath  string          `json:"input_path" validate:"required"`
	OutputPath string          `json:"output_path" validate:"required"`
	Operations json.RawMessage `json:"operations,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
	WebhookURL string          `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Priority   int             `json:"priority,omitempty"`
	BatchID    string          `json:"batch_id,omitempty"`
}

func (req *submitJobRequest) toSubmit() orchestrator.SubmitRequest {
	return orchestrator.SubmitRequest{
		InputPath:  req.InputPath,
		OutputPath: req.OutputPath,
		Operations: req.Operations,
		Options:    req.Options,
		WebhookURL: req.WebhookURL,
		Priority:   req.Priority,
		BatchID:    req.BatchID,
	}
}

// submitBatchRequest is the wire shape of POST /api/v1/batches.
// Concurrency outside [1,20] is clamped downstream, not rejected;
// only nonsense values fail here.
type submitBatchRequest struct {
	Name           string             `json:"name,omitempty" validate:"max=200"`
	MaxConcurrency int                `json:"max_concurrency,omitempty" validate:"gte=0"`
	Priority       int                `json:"priority,omitempty"`
	MaxRetries     int                `json:"max_retries,omitempty" validate:"gte=0"`
	WebhookURL     string             `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Jobs           []submitJobRequest `json:"jobs" validate:"required,min=1,dive"`
}

func (req *submitBatchRequest) toSubmit() orchestrator.BatchRequest {
	jobs := make([]orchestrator.SubmitRequest, len(req.Jobs))
	for i := range req.Jobs {
		jobs[i] = req.Jobs[i].toSubmit()
	}
	return orchestrator.BatchRequest{
		Name:           req.Name,
		MaxConcurrency: req.MaxConcurrency,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		WebhookURL:     req.WebhookURL,
		Jobs:           jobs,
	}
}

// createKeyRequest is the wire shape of POST /api/v1/admin/keys.
type createKeyRequest struct {
	Name      string     `json:"name" validate:"required,max=200"`
	Tier      string     `json:"tier,omitempty" validate:"omitempty,oneof=free basic premium enterprise"`
	Admin     bool       `json:"admin,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (req *createKeyRequest) toKeyRequest() orchestrator.KeyRequest {
	return orchestrator.KeyRequest{
		Name:      req.Name,
		Tier:      media.Tier(req.Tier),
		Admin:     req.Admin,
		ExpiresAt: req.ExpiresAt,
	}
}

// cleanupRequest is the optional body of POST /api/v1/admin/cleanup.
type cleanupRequest struct {
	OlderThanDays int `json:"older_than_days,omitempty" validate:"gte=0"`
}
