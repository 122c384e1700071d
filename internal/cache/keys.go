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

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"reel/pkg/canonjson"
)

// Namespace is the prefix shared by every key this service writes to
// the remote store.
const Namespace = "reel"

// hashedPartLen is the number of hex characters kept when a complex
// key part is hashed.
const hashedPartLen = 16

// Key builds a namespaced cache key from parts joined with colons.
// Scalar parts are used as-is after cleaning; maps, slices, and structs
// are serialized canonically and hashed so that equal values always
// produce equal keys regardless of map iteration order.
func Key(parts ...any) string {
	segs := make([]string, 0, len(parts)+1)
	segs = append(segs, Namespace)
	for _, p := range parts {
		segs = append(segs, keyPart(p))
	}
	return strings.Join(segs, ":")
}

func keyPart(p any) string {
	switch v := p.(type) {
	case string:
		return cleanPart(v)
	case fmt.Stringer:
		return cleanPart(v.String())
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "nil"
	default:
		return hashPart(v)
	}
}

func hashPart(v any) string {
	raw, err := canonjson.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprintf("%+v", v))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:hashedPartLen]
}

// cleanPart replaces colons and whitespace so a part cannot break the
// key structure.
func cleanPart(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ':', ' ', '\t', '\n', '\r':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
