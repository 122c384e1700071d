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

package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reel/internal/auth"
	"reel/internal/errdefs"
	"reel/internal/store"
	"reel/pkg/media"
)

// KeyRequest describes a credential to create.
type KeyRequest struct {
	Name      string
	Tier      media.Tier
	Admin     bool
	ExpiresAt *time.Time
}

// CreateKey mints a credential. The returned token is shown exactly
// once and only its hash is stored; the webhook signing secret rides
// on the returned key for the same one-time viewing.
func (o *Orchestrator) CreateKey(ctx context.Context, req KeyRequest) (*media.APIKey, string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, "", errdefs.Validation("key name is required")
	}
	tier := req.Tier
	if tier == "" {
		tier = media.TierFree
	}
	if !tier.Valid() {
		return nil, "", errdefs.Validationf("unknown tier %q", tier)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(o.now()) {
		return nil, "", errdefs.Validation("expiry must be in the future")
	}

	token, err := auth.NewToken(tier)
	if err != nil {
		return nil, "", fmt.Errorf("mint token: %w", err)
	}
	secret, err := newWebhookSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate webhook secret: %w", err)
	}

	key := &media.APIKey{
		ID:            uuid.NewString(),
		KeyHash:       auth.HashKey(o.pepper, token),
		Name:          name,
		Tier:          tier,
		Active:        true,
		Admin:         req.Admin,
		WebhookSecret: secret,
		ExpiresAt:     req.ExpiresAt,
		CreatedAt:     o.now(),
	}
	if err := o.store.InsertAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("persist api key: %w", err)
	}
	o.log.Info("api key created",
		zap.String("key_id", key.ID),
		zap.String("name", key.Name),
		zap.String("tier", string(key.Tier)),
		zap.Bool("admin", key.Admin))
	return key, token, nil
}

// RevokeKey deactivates a credential and drops it from the auth cache
// so the revocation takes effect immediately, not after the TTL.
func (o *Orchestrator) RevokeKey(ctx context.Context, id string) error {
	key, err := o.store.GetAPIKeyByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errdefs.NotFound("api key not found")
	}
	if err != nil {
		return fmt.Errorf("get api key: %w", err)
	}
	if err := o.store.RevokeAPIKey(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errdefs.NotFound("api key not found")
		}
		return fmt.Errorf("revoke api key: %w", err)
	}
	if o.cache != nil {
		o.cache.Delete(ctx, auth.CacheKey(key.KeyHash))
	}
	o.log.Info("api key revoked", zap.String("key_id", id))
	return nil
}

// ListKeys returns every credential, newest first.
func (o *Orchestrator) ListKeys(ctx context.Context) ([]*media.APIKey, error) {
	keys, err := o.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// WebhookStats aggregates delivery outcomes across all jobs.
func (o *Orchestrator) WebhookStats(ctx context.Context) (*store.DeliveryStats, error) {
	stats, err := o.store.GetDeliveryStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("webhook stats: %w", err)
	}
	return stats, nil
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
