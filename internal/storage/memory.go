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
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"reel/internal/errdefs"
)

// MemoryBackend holds objects in process memory under the "mem" scheme.
// Used by tests and local development.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject
	now     func() time.Time
}

type memObject struct {
	data    []byte
	modTime time.Time
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

func (b *MemoryBackend) Scheme() string { return "mem" }

func (b *MemoryBackend) Download(ctx context.Context, path string, dst io.Writer) error {
	b.mu.RLock()
	obj, ok := b.objects[path]
	b.mu.RUnlock()
	if !ok {
		return errdefs.NotFound("file not found: " + path)
	}
	_, err := io.Copy(dst, bytes.NewReader(obj.data))
	return err
}

func (b *MemoryBackend) Upload(ctx context.Context, path string, src io.Reader) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeInternal, errdefs.KindStorage, "read upload")
	}
	b.mu.Lock()
	b.objects[path] = memObject{data: data, modTime: b.now().UTC()}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Stat(ctx context.Context, path string) (FileInfo, error) {
	b.mu.RLock()
	obj, ok := b.objects[path]
	b.mu.RUnlock()
	if !ok {
		return FileInfo{}, errdefs.NotFound("file not found: " + path)
	}
	return FileInfo{Path: path, Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	delete(b.objects, path)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Healthy(ctx context.Context) error { return nil }

// Put stores an object directly. Test helper.
func (b *MemoryBackend) Put(path string, data []byte) {
	b.mu.Lock()
	b.objects[path] = memObject{data: append([]byte(nil), data...), modTime: b.now().UTC()}
	b.mu.Unlock()
}

// Bytes returns a stored object's contents. Test helper.
func (b *MemoryBackend) Bytes(path string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}
