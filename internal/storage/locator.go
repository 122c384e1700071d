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

// Package storage resolves media locators to pluggable backends and
// moves bytes between them and worker scratch space.
package storage

import (
	"regexp"
	"strings"

	"reel/internal/errdefs"
)

// DefaultScheme is assumed when a locator carries no scheme prefix.
const DefaultScheme = "local"

// pathPattern is the only character set accepted in locator paths.
var pathPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-./]+$`)

// Locator is a parsed media path of the form [scheme://]path.
type Locator struct {
	Scheme string
	Path   string
}

// String reassembles the locator.
func (l Locator) String() string {
	return l.Scheme + "://" + l.Path
}

// ParseLocator validates and splits a raw locator. Paths are restricted
// to a conservative character set; parent-directory segments and NUL
// bytes are rejected as security violations rather than validation
// errors so they surface in audit logs at high severity.
func ParseLocator(raw string) (Locator, error) {
	if raw == "" {
		return Locator{}, errdefs.Validation("path is required")
	}

	scheme := DefaultScheme
	path := raw
	if before, after, found := strings.Cut(raw, "://"); found {
		if before == "" {
			return Locator{}, errdefs.Validation("locator scheme is empty")
		}
		scheme = strings.ToLower(before)
		path = after
	}
	if path == "" {
		return Locator{}, errdefs.Validation("locator path is empty")
	}

	if strings.ContainsRune(path, 0) {
		return Locator{}, errdefs.Security("path contains NUL byte")
	}
	if !pathPattern.MatchString(path) {
		return Locator{}, errdefs.Security("path contains disallowed characters")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return Locator{}, errdefs.Security("path traversal attempt")
		}
	}

	return Locator{Scheme: scheme, Path: strings.TrimPrefix(path, "/")}, nil
}
