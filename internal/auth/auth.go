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

// Package auth resolves API credentials. Raw tokens are never stored:
// the store holds a keyed hash, and lookups go through the cache with
// singleflight coalescing so a burst of requests on one credential
// costs a single store read.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"reel/internal/cache"
	"reel/internal/errdefs"
	"reel/internal/store"
	"reel/pkg/media"
)

// HashKey derives the stored lookup hash for a token. With a pepper
// configured the hash is HMAC-SHA256 keyed by it, so a leaked database
// cannot be matched against candidate tokens without the pepper; with
// no pepper it degrades to plain SHA-256.
func HashKey(pepper, token string) string {
	if pepper != "" {
		mac := hmac.New(sha256.New, []byte(pepper))
		mac.Write([]byte(token))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewToken mints a credential token: the tier's issue prefix followed
// by 32 random bytes, hex encoded. The caller shows it to the user
// once and persists only its hash.
func NewToken(tier media.Tier) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tier.KeyPrefix() + hex.EncodeToString(buf), nil
}

// TokenFromRequest extracts the credential token from the X-API-Key
// header, falling back to a bearer Authorization header. Empty when
// the request carries neither.
func TokenFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// CacheKey is the cache key for a credential hash. Exported so the
// revocation path can drop the entry without waiting out the TTL.
func CacheKey(hash string) string {
	return cache.Key("api_key", hash)
}

// Store is the persistence surface the authenticator needs. *store.Store
// satisfies it.
type Store interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*media.APIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error
}

// Authenticator resolves tokens to credentials.
type Authenticator struct {
	store  Store
	cache  *cache.Cache
	pepper string
	log    *zap.Logger
	group  singleflight.Group
	now    func() time.Time
}

// New builds an Authenticator. A nil cache disables the cached tier and
// every lookup hits the store.
func New(st Store, c *cache.Cache, pepper string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		store:  st,
		cache:  c,
		pepper: pepper,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate resolves a token to its credential. Unknown, inactive,
// revoked, and expired credentials all return the same ACCESS_DENIED
// error so responses do not reveal which check failed.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*media.APIKey, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, denied()
	}
	hash := HashKey(a.pepper, token)

	if key, ok := a.cached(ctx, hash); ok {
		if !key.Usable(a.now()) {
			return nil, denied()
		}
		return key, nil
	}

	v, err, _ := a.group.Do(hash, func() (any, error) {
		key, err := a.store.GetAPIKeyByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		a.remember(ctx, hash, key)
		// last_used is advisory; at most one write per cache TTL.
		if err := a.store.TouchAPIKeyLastUsed(ctx, key.ID, a.now()); err != nil {
			a.log.Debug("touch api key last_used", zap.String("key_id", key.ID), zap.Error(err))
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, denied()
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	key := v.(*media.APIKey)
	if !key.Usable(a.now()) {
		return nil, denied()
	}
	return key, nil
}

func denied() error {
	return errdefs.New(errdefs.CodeAccessDenied, errdefs.KindAuthentication, "invalid or revoked API key")
}

func (a *Authenticator) cached(ctx context.Context, hash string) (*media.APIKey, bool) {
	if a.cache == nil {
		return nil, false
	}
	var key media.APIKey
	if !a.cache.GetInto(ctx, CacheKey(hash), &key) {
		return nil, false
	}
	return &key, true
}

// remember caches the credential under its hash. The JSON round-trip
// drops the key hash and webhook secret, keeping them out of the
// shared cache.
func (a *Authenticator) remember(ctx context.Context, hash string, key *media.APIKey) {
	if a.cache == nil {
		return
	}
	if err := a.cache.SetCategory(ctx, CacheKey(hash), key, cache.CategoryAPIKey); err != nil {
		a.log.Debug("cache api key", zap.Error(err))
	}
}
