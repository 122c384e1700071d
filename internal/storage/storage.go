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

package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// FileInfo describes a stored object.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Backend moves bytes for one locator scheme. Implementations must be
// safe for concurrent use.
type Backend interface {
	// Scheme returns the locator scheme this backend serves.
	Scheme() string

	// Download streams the object at path into dst.
	Download(ctx context.Context, path string, dst io.Writer) error

	// Upload streams src into the object at path, creating parent
	// directories or equivalents as needed.
	Upload(ctx context.Context, path string, src io.Reader) error

	// Stat returns object metadata. Missing objects return a
	// FILE_NOT_FOUND coded error.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// Delete removes the object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, path string) error

	// Healthy probes whether the backend can serve requests.
	Healthy(ctx context.Context) error
}

// Resolver maps locator schemes to backends.
type Resolver struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewResolver constructs a Resolver with the given backends registered.
func NewResolver(backends ...Backend) *Resolver {
	r := &Resolver{backends: make(map[string]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds a backend, replacing any previous backend with the same
// scheme.
func (r *Resolver) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Scheme()] = b
}

// Resolve returns the backend for a locator.
func (r *Resolver) Resolve(loc Locator) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("no storage backend for scheme %q", loc.Scheme)
	}
	return b, nil
}

// Schemes lists registered schemes in stable order.
func (r *Resolver) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for s := range r.backends {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Status probes every backend and reports "ok" or the failure message
// per scheme. Used by the admin storage endpoint.
func (r *Resolver) Status(ctx context.Context) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.backends))
	for scheme, b := range r.backends {
		if err := b.Healthy(ctx); err != nil {
			out[scheme] = err.Error()
		} else {
			out[scheme] = "ok"
		}
	}
	return out
}
