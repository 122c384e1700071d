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
	"errors"
	"strings"
	"testing"

	"reel/internal/errdefs"
)

func newValidatingServer() *Server {
	return &Server{validate: newValidator()}
}

func requireValidationError(t *testing.T, err error) *errdefs.Error {
	t.Helper()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	var e *errdefs.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *errdefs.Error, got %T", err)
	}
	if e.Code != errdefs.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %q", e.Code)
	}
	return e
}

func TestCheckStructReportsJSONNames(t *testing.T) {
	s := newValidatingServer()

	e := requireValidationError(t, s.checkStruct(&submitJobRequest{}))
	if e.Message != "input_path is required" {
		t.Fatalf("unexpected message %q", e.Message)
	}
	fields, ok := e.Details["fields"].([]string)
	if !ok {
		t.Fatalf("expected fields detail, got %T", e.Details["fields"])
	}
	if len(fields) != 2 || fields[0] != "input_path" || fields[1] != "output_path" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestCheckStructAcceptsValidJob(t *testing.T) {
	s := newValidatingServer()

	req := &submitJobRequest{InputPath: "in/a.mp4", OutputPath: "out/a.mp4"}
	if err := s.checkStruct(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckStructWebhookURL(t *testing.T) {
	s := newValidatingServer()

	req := &submitJobRequest{InputPath: "a", OutputPath: "b", WebhookURL: "not a url"}
	e := requireValidationError(t, s.checkStruct(req))
	if e.Message != "webhook_url must be a valid URL" {
		t.Fatalf("unexpected message %q", e.Message)
	}

	req.WebhookURL = "https://hooks.example.com/reel"
	if err := s.checkStruct(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckStructBatchDivesIntoJobs(t *testing.T) {
	s := newValidatingServer()

	req := &submitBatchRequest{Jobs: []submitJobRequest{
		{InputPath: "a.mp4", OutputPath: "b.mp4"},
		{OutputPath: "c.mp4"},
	}}
	e := requireValidationError(t, s.checkStruct(req))
	if !strings.Contains(e.Message, "input_path") {
		t.Fatalf("expected the nested field name, got %q", e.Message)
	}
}

func TestCheckStructBatchRequiresJobs(t *testing.T) {
	s := newValidatingServer()

	e := requireValidationError(t, s.checkStruct(&submitBatchRequest{Name: "nightly"}))
	if !strings.Contains(e.Message, "jobs") {
		t.Fatalf("unexpected message %q", e.Message)
	}

	e = requireValidationError(t, s.checkStruct(&submitBatchRequest{Jobs: []submitJobRequest{}}))
	if !strings.Contains(e.Message, "jobs") {
		t.Fatalf("unexpected message %q", e.Message)
	}
}

func TestCheckStructKeyTier(t *testing.T) {
	s := newValidatingServer()

	e := requireValidationError(t, s.checkStruct(&createKeyRequest{Name: "x", Tier: "gold"}))
	if e.Message != "tier must be one of: free basic premium enterprise" {
		t.Fatalf("unexpected message %q", e.Message)
	}

	for _, tier := range []string{"", "free", "basic", "premium", "enterprise"} {
		if err := s.checkStruct(&createKeyRequest{Name: "x", Tier: tier}); err != nil {
			t.Fatalf("tier %q: unexpected error %v", tier, err)
		}
	}
}

func TestCheckStructKeyNameLength(t *testing.T) {
	s := newValidatingServer()

	e := requireValidationError(t, s.checkStruct(&createKeyRequest{Name: strings.Repeat("n", 201)}))
	if e.Message != "name exceeds the maximum of 200" {
		t.Fatalf("unexpected message %q", e.Message)
	}
}

func TestCheckStructCleanupDays(t *testing.T) {
	s := newValidatingServer()

	e := requireValidationError(t, s.checkStruct(&cleanupRequest{OlderThanDays: -1}))
	if e.Message != "older_than_days must be at least 0" {
		t.Fatalf("unexpected message %q", e.Message)
	}
	if err := s.checkStruct(&cleanupRequest{OlderThanDays: 0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBatchToSubmitPreservesOrder(t *testing.T) {
	req := &submitBatchRequest{
		Name:           "renders",
		MaxConcurrency: 4,
		Priority:       2,
		MaxRetries:     1,
		Jobs: []submitJobRequest{
			{InputPath: "a.mp4", OutputPath: "out/a.mp4"},
			{InputPath: "b.mp4", OutputPath: "out/b.mp4", Priority: 9},
		},
	}
	out := req.toSubmit()
	if out.Name != "renders" || out.MaxConcurrency != 4 || out.Priority != 2 || out.MaxRetries != 1 {
		t.Fatalf("batch settings lost: %+v", out)
	}
	if len(out.Jobs) != 2 || out.Jobs[0].InputPath != "a.mp4" || out.Jobs[1].Priority != 9 {
		t.Fatalf("child jobs mangled: %+v", out.Jobs)
	}
}
