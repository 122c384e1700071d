package store

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

// Tests for the store layer: migrations, settings, and the shared
// helpers used by the job, batch, key, and delivery tests.

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"reel/pkg/media"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedJob(t *testing.T, s *Store, id string) *media.Job {
	t.Helper()
	job := media.NewJob("local://in/"+id+".mp4", "local://out/"+id+".mp4",
		json.RawMessage(`[{"transcode":{"video_codec":"h264"}}]`), nil)
	job.ID = id
	if err := s.InsertJob(context.Background(), &job); err != nil {
		t.Fatalf("InsertJob %s failed: %v", id, err)
	}
	return &job
}

func ptrString(s string) *string { return &s }

func ptrTime(ti time.Time) *time.Time { return &ti }

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "reopen.db")
	ctx := context.Background()

	s1, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	seedJob(t, s1, "job-persist")
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening must rerun migrations without error and keep data.
	s2, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetJob(ctx, "job-persist")
	if err != nil {
		t.Fatalf("GetJob after reopen failed: %v", err)
	}
	if got.ID != "job-persist" || got.State != media.JobStateQueued {
		t.Fatalf("job did not survive reopen: %+v", got)
	}

	v, err := s2.GetSetting(ctx, "schema_version")
	if err != nil {
		t.Fatalf("GetSetting schema_version failed: %v", err)
	}
	if v != "4" {
		t.Fatalf("expected schema version 4, got %q", v)
	}
}

func TestHealthy(t *testing.T) {
	s := newTestStore(t)
	if err := s.Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy failed: %v", err)
	}
}

func TestSettingsSetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "test_key", "test_value"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	val, err := s.GetSetting(ctx, "test_key")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if val != "test_value" {
		t.Fatalf("expected 'test_value', got %q", val)
	}

	if err := s.SetSetting(ctx, "test_key", "new_value"); err != nil {
		t.Fatalf("SetSetting (update) failed: %v", err)
	}

	val, err = s.GetSetting(ctx, "test_key")
	if err != nil {
		t.Fatalf("GetSetting (after update) failed: %v", err)
	}
	if val != "new_value" {
		t.Fatalf("expected 'new_value', got %q", val)
	}

	_, err = s.GetSetting(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for nonexistent key, got %v", err)
	}
}
