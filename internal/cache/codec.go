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
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// gobPrefix tags values that could not be represented as JSON and were
// stored with the binary fallback encoding instead. The leading 0x1f
// byte cannot begin a JSON document, so the two encodings never collide.
var gobPrefix = []byte{0x1f, 'g', 'o', 'b', ':'}

func encodeValue(v any) ([]byte, error) {
	raw, jsonErr := json.Marshal(v)
	if jsonErr == nil {
		return raw, nil
	}

	var buf bytes.Buffer
	buf.Write(gobPrefix)
	if gobErr := gob.NewEncoder(&buf).Encode(&v); gobErr != nil {
		return nil, fmt.Errorf("cache: value not encodable (json: %v; gob: %v)", jsonErr, gobErr)
	}
	return buf.Bytes(), nil
}

func decodeValue(raw []byte) (any, error) {
	if bytes.HasPrefix(raw, gobPrefix) {
		var v any
		if err := gob.NewDecoder(bytes.NewReader(raw[len(gobPrefix):])).Decode(&v); err != nil {
			return nil, fmt.Errorf("cache: gob decode: %w", err)
		}
		return v, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("cache: json decode: %w", err)
	}
	return v, nil
}
