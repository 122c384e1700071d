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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reel/pkg/media"
)

const apiKeyColumns = `id, key_hash, name, tier, active, is_admin, webhook_secret, revoked_at, expires_at, created_at, last_used_at`

func (s *Store) scanAPIKey(r rowScanner) (*media.APIKey, error) {
	var row struct {
		id, keyHash, name, tier string
		active, isAdmin         int
		webhookSecret           string
		revokedAt, expiresAt    sql.NullTime
		createdAt               time.Time
		lastUsedAt              sql.NullTime
	}
	err := r.Scan(
		&row.id, &row.keyHash, &row.name, &row.tier, &row.active, &row.isAdmin,
		&row.webhookSecret, &row.revokedAt, &row.expiresAt, &row.createdAt, &row.lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}

	secret := row.webhookSecret
	if s.enc != nil && secret != "" {
		secret, err = s.enc.Decrypt(secret)
		if err != nil {
			return nil, fmt.Errorf("decrypt webhook secret: %w", err)
		}
	}

	return &media.APIKey{
		ID:            row.id,
		KeyHash:       row.keyHash,
		Name:          row.name,
		Tier:          media.Tier(row.tier),
		Active:        row.active == 1,
		Admin:         row.isAdmin == 1,
		WebhookSecret: secret,
		RevokedAt:     fromNullTimePtr(row.revokedAt),
		ExpiresAt:     fromNullTimePtr(row.expiresAt),
		CreatedAt:     row.createdAt.UTC(),
		LastUsedAt:    fromNullTimePtr(row.lastUsedAt),
	}, nil
}

// InsertAPIKey persists a new credential. The webhook secret is
// encrypted at rest when an encryptor is configured; the raw API token
// never reaches this layer, only its hash.
func (s *Store) InsertAPIKey(ctx context.Context, key *media.APIKey) error {
	secret := key.WebhookSecret
	if s.enc != nil && secret != "" {
		enc, err := s.enc.Encrypt(secret)
		if err != nil {
			return fmt.Errorf("encrypt webhook secret: %w", err)
		}
		secret = enc
	}

	active, admin := 0, 0
	if key.Active {
		active = 1
	}
	if key.Admin {
		admin = 1
	}

	const ins = `
INSERT INTO api_keys (id, key_hash, name, tier, active, is_admin, webhook_secret, revoked_at, expires_at, created_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	_, err := s.db.ExecContext(ctx, ins,
		key.ID, key.KeyHash, key.Name, key.Tier.String(), active, admin, secret,
		nullTime(key.RevokedAt), nullTime(key.ExpiresAt), key.CreatedAt.UTC(), nullTime(key.LastUsedAt))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up a credential by its key hash. This is the
// authentication hot path; callers cache the result.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*media.APIKey, error) {
	q := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash=?`
	key, err := s.scanAPIKey(s.db.QueryRowContext(ctx, q, hash))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return key, nil
}

// GetAPIKeyByID retrieves a credential by ID.
func (s *Store) GetAPIKeyByID(ctx context.Context, id string) (*media.APIKey, error) {
	q := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id=?`
	key, err := s.scanAPIKey(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns all credentials, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*media.APIKey, error) {
	q := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*media.APIKey
	for rows.Next() {
		key, err := s.scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return out, nil
}

// GetJobWebhookSecret returns the decrypted webhook signing secret of
// the job's owning API key. Empty when the job has no key or the key
// carries no secret; ErrNotFound when the job does not exist.
func (s *Store) GetJobWebhookSecret(ctx context.Context, jobID string) (string, error) {
	const q = `
SELECT COALESCE(k.webhook_secret, '')
FROM jobs j LEFT JOIN api_keys k ON j.api_key_id = k.id
WHERE j.id = ?`
	var secret string
	err := s.db.QueryRowContext(ctx, q, jobID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job webhook secret: %w", err)
	}
	if s.enc != nil && secret != "" {
		secret, err = s.enc.Decrypt(secret)
		if err != nil {
			return "", fmt.Errorf("decrypt webhook secret: %w", err)
		}
	}
	return secret, nil
}

// RevokeAPIKey deactivates a credential and stamps revoked_at.
// Revoking an already revoked key is a no-op that still succeeds.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	now := time.Now().UTC()
	const upd = `UPDATE api_keys SET active=0, revoked_at=COALESCE(revoked_at, ?) WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, now, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKeyLastUsed records credential use. Failures here are not
// worth failing a request over, so callers typically log and move on.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	const upd = `UPDATE api_keys SET last_used_at=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
