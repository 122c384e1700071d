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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"reel/internal/errdefs"
)

// LocalBackend serves the "local" scheme from a root directory on disk.
// All locator paths resolve strictly under the root.
type LocalBackend struct {
	root string
}

// NewLocalBackend constructs a disk backend rooted at root. The root is
// created if it does not exist.
func NewLocalBackend(root string) (*LocalBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalBackend{root: abs}, nil
}

func (b *LocalBackend) Scheme() string { return "local" }

// Root returns the backend's root directory.
func (b *LocalBackend) Root() string { return b.root }

// resolve joins path under the root and verifies the result did not
// escape it. ParseLocator already rejects ".." segments; this is a
// second gate so the backend stays safe even with a hand-built Locator.
func (b *LocalBackend) resolve(path string) (string, error) {
	full := filepath.Join(b.root, filepath.FromSlash(path))
	if full != b.root && !strings.HasPrefix(full, b.root+string(filepath.Separator)) {
		return "", errdefs.Security("path escapes storage root")
	}
	return full, nil
}

func (b *LocalBackend) Download(ctx context.Context, path string, dst io.Writer) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errdefs.NotFound("file not found: " + path)
		}
		return errdefs.Wrap(err, errdefs.CodeAccessDenied, errdefs.KindStorage, "open input file")
	}
	defer f.Close()

	if _, err := copyCtx(ctx, dst, f); err != nil {
		return errdefs.Wrap(err, errdefs.CodeInternal, errdefs.KindStorage, "read input file")
	}
	return nil
}

func (b *LocalBackend) Upload(ctx context.Context, path string, src io.Reader) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errdefs.Wrap(err, errdefs.CodeInternal, errdefs.KindStorage, "create output directory")
	}

	// Write to a sibling temp file and rename so a crashed upload never
	// leaves a partial object at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".reel-upload-*")
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeInternal, errdefs.KindStorage, "create output file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := copyCtx(ctx, tmp, src); err != nil {
		tmp.Close()
		return errdefs.Wrap(err, errdefs.CodeInternal, errdefs.KindStorage, "write output file")
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(err, errdefs.CodeInternal, errdefs.KindStorage, "close output file")
	}
	if err := os.Rename(tmpName, full); err != nil {
		return errdefs.Wrap(err, errdefs.CodeInternal, errdefs.KindStorage, "finalize output file")
	}
	return nil
}

func (b *LocalBackend) Stat(ctx context.Context, path string) (FileInfo, error) {
	full, err := b.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{}, errdefs.NotFound("file not found: " + path)
		}
		return FileInfo{}, errdefs.Wrap(err, errdefs.CodeAccessDenied, errdefs.KindStorage, "stat file")
	}
	if fi.IsDir() {
		return FileInfo{}, errdefs.Validationf("path is a directory: %s", path)
	}
	return FileInfo{Path: path, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errdefs.Wrap(err, errdefs.CodeInternal, errdefs.KindStorage, "delete file")
	}
	return nil
}

// Healthy verifies the root exists and is writable.
func (b *LocalBackend) Healthy(ctx context.Context) error {
	fi, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("storage root unavailable: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("storage root is not a directory")
	}
	probe, err := os.CreateTemp(b.root, ".reel-health-*")
	if err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}

// copyCtx copies src to dst, checking ctx between chunks so a cancelled
// job does not keep streaming a large file.
func copyCtx(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
