// Package canonjson produces canonical JSON: object keys sorted
// lexicographically, no insignificant whitespace. Webhook signatures are
// computed over this form so that signer and verifier agree byte for byte.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal encodes v as canonical JSON. The value is first encoded with
// the standard encoder, then normalized through a generic decode/encode
// pass, which sorts all object keys and strips whitespace. The result is
// stable: Marshal(Marshal(v)) == Marshal(v) for any encodable v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: %w", err)
	}
	return Normalize(raw)
}

// Normalize rewrites already-encoded JSON into canonical form.
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonjson: invalid document: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonjson: %w", err)
	}
	return out, nil
}
