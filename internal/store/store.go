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

// Package store provides the SQLite-backed persistence layer for the
// transcoding service: schema migrations, job CRUD and leasing helpers,
// batch bookkeeping, API credentials, and webhook delivery records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"reel/pkg/secrets"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrTerminalState indicates a mutation was refused because the job
	// already reached a terminal state.
	ErrTerminalState = errors.New("job is in a terminal state")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db  *sql.DB
	enc *secrets.Encryptor
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	// Verify connection
	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// SetEncryptor installs the encryptor used for webhook signing secrets
// held at rest. When unset, secrets are stored in plaintext; production
// wiring always sets one.
func (s *Store) SetEncryptor(enc *secrets.Encryptor) {
	s.enc = enc
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy verifies the database connection is usable.
func (s *Store) Healthy(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	// Migrations are strictly ordered: batches land before the
	// performance indexes that cover their columns.
	steps := []struct {
		version int
		apply   func(context.Context) error
	}{
		{1, s.migrateToV1},
		{2, s.migrateToV2},
		{3, s.migrateToV3},
		{4, s.migrateToV4},
	}

	for _, step := range steps {
		if cur >= step.version {
			continue
		}
		if err := step.apply(ctx); err != nil {
			return fmt.Errorf("migrate to v%d: %w", step.version, err)
		}
		if err := s.setSchemaVersion(ctx, step.version); err != nil {
			return err
		}
		cur = step.version
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// migrateToV1 creates the core job tables: jobs, their append-only event
// stream, and webhook delivery records. Deliveries deliberately carry no
// foreign key on job_id so the delivery log survives job cleanup.
func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id               TEXT PRIMARY KEY,
  state            TEXT NOT NULL CHECK (state IN ('queued','processing','completed','failed','cancelled')),
  input_path       TEXT NOT NULL,
  output_path      TEXT NOT NULL,
  options_json     TEXT NULL,
  operations_json  TEXT NOT NULL,
  webhook_url      TEXT NULL,
  priority         INTEGER NOT NULL DEFAULT 0,
  progress         REAL NOT NULL DEFAULT 0,
  stage            TEXT NOT NULL DEFAULT 'queued',
  status_message   TEXT NOT NULL DEFAULT '',
  error            TEXT NULL,
  quality_json     TEXT NULL,
  stats_json       TEXT NULL,
  epoch            INTEGER NOT NULL DEFAULT 0,
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  worker_id        TEXT NULL,
  lease_expires_at TIMESTAMP NULL,
  processing_time  REAL NULL,
  created_at       TIMESTAMP NOT NULL,
  updated_at       TIMESTAMP NOT NULL,
  started_at       TIMESTAMP NULL,
  completed_at     TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,

		`CREATE TABLE IF NOT EXISTS job_events (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id   TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  time     TIMESTAMP NOT NULL,
  level    TEXT NOT NULL CHECK (level IN ('info','warn','error')),
  message  TEXT NOT NULL,
  stage    TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_time ON job_events(job_id, time);`,

		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id              TEXT PRIMARY KEY,
  job_id          TEXT NOT NULL,
  event           TEXT NOT NULL,
  target_url      TEXT NOT NULL,
  payload         BLOB NOT NULL,
  attempt         INTEGER NOT NULL DEFAULT 1,
  state           TEXT NOT NULL CHECK (state IN ('pending','sent','failed','retrying','abandoned')),
  created_at      TIMESTAMP NOT NULL,
  last_attempt_at TIMESTAMP NULL,
  next_retry_at   TIMESTAMP NULL,
  response_status INTEGER NULL,
  response_body   TEXT NOT NULL DEFAULT '',
  error           TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_job ON webhook_deliveries(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries(state, next_retry_at);`,
	}
	return s.execAll(ctx, stmts)
}

// migrateToV2 adds API credentials and ties jobs to their owner.
func (s *Store) migrateToV2(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
  id             TEXT PRIMARY KEY,
  key_hash       TEXT NOT NULL UNIQUE,
  name           TEXT NOT NULL,
  tier           TEXT NOT NULL CHECK (tier IN ('free','basic','premium','enterprise')),
  active         INTEGER NOT NULL DEFAULT 1,
  is_admin       INTEGER NOT NULL DEFAULT 0,
  webhook_secret TEXT NOT NULL DEFAULT '',
  revoked_at     TIMESTAMP NULL,
  expires_at     TIMESTAMP NULL,
  created_at     TIMESTAMP NOT NULL,
  last_used_at   TIMESTAMP NULL
);`,
		`ALTER TABLE jobs ADD COLUMN api_key_id TEXT NULL REFERENCES api_keys(id) ON DELETE SET NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_api_key ON jobs(api_key_id);`,
	}
	return s.execAll(ctx, stmts)
}

// migrateToV3 adds batches. The dispatched flag gates batch children:
// standalone jobs are born dispatched, batch children wait for the
// coordinator to promote them.
func (s *Store) migrateToV3(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batches (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL DEFAULT '',
  total           INTEGER NOT NULL,
  completed       INTEGER NOT NULL DEFAULT 0,
  failed          INTEGER NOT NULL DEFAULT 0,
  processing      INTEGER NOT NULL DEFAULT 0,
  max_concurrency INTEGER NOT NULL,
  priority        INTEGER NOT NULL DEFAULT 0,
  max_retries     INTEGER NOT NULL DEFAULT 3,
  webhook_url     TEXT NULL,
  created_at      TIMESTAMP NOT NULL,
  updated_at      TIMESTAMP NOT NULL,
  started_at      TIMESTAMP NULL,
  completed_at    TIMESTAMP NULL
);`,
		`ALTER TABLE jobs ADD COLUMN batch_id TEXT NULL REFERENCES batches(id) ON DELETE SET NULL;`,
		`ALTER TABLE jobs ADD COLUMN dispatched INTEGER NOT NULL DEFAULT 1;`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id);`,
	}
	return s.execAll(ctx, stmts)
}

// migrateToV4 adds the hot-path indexes used by lease acquisition and
// retention sweeps.
func (s *Store) migrateToV4(ctx context.Context) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_acquire ON jobs(state, dispatched, priority DESC, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(state, lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_created ON webhook_deliveries(created_at);`,
	}
	return s.execAll(ctx, stmts)
}

func (s *Store) execAll(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

func fromNullFloatPtr(nf sql.NullFloat64) *float64 {
	if nf.Valid {
		v := nf.Float64
		return &v
	}
	return nil
}

func fromNullIntPtr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}

func fromNullJSON(ns sql.NullString) []byte {
	if ns.Valid && ns.String != "" {
		return []byte(ns.String)
	}
	return nil
}
