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

// Package ctxkeys carries request-scoped values between the HTTP
// middleware chain and everything downstream of it: the request id
// that ties log lines to a response, and the authenticated credential.
package ctxkeys

import (
	"context"

	"github.com/google/uuid"

	"reel/pkg/media"
)

type key int

const (
	requestIDKey key = iota
	credentialKey
)

// GetRequestID returns the request id from ctx, or "" when absent.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(requestIDKey).(string); ok {
		return s
	}
	return ""
}

// WithRequestID returns a child context carrying the given request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// EnsureRequestID returns a context that carries a request id and the
// id itself, generating one when the input context has none.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := GetRequestID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}

// WithCredential returns a child context carrying the authenticated
// credential.
func WithCredential(ctx context.Context, apiKey *media.APIKey) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, credentialKey, apiKey)
}

// GetCredential returns the authenticated credential from ctx, or nil
// for an anonymous request.
func GetCredential(ctx context.Context) *media.APIKey {
	if ctx == nil {
		return nil
	}
	if k, ok := ctx.Value(credentialKey).(*media.APIKey); ok {
		return k
	}
	return nil
}
