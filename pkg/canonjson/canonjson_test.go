package canonjson

import (
	"bytes"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	v := map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"nested_b": true, "nested_a": false},
		"mid":   []any{"x", "y"},
	}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"alpha":{"nested_a":false,"nested_b":true},"mid":["x","y"],"zebra":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshalStable(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A int    `json:"a"`
	}
	first, err := Marshal(payload{B: "hi", A: 7})
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Normalize(first)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("not a fixed point: %s vs %s", first, second)
	}
	// Struct field order does not leak into the output.
	if string(first) != `{"a":7,"b":"hi"}` {
		t.Errorf("got %s", first)
	}
}

func TestNormalizeStripsWhitespace(t *testing.T) {
	raw := []byte("{\n  \"b\": 2,\n  \"a\": 1\n}")
	got, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if string(got) != `{"a":1,"b":2}` {
		t.Errorf("got %s", got)
	}
}

func TestNormalizePreservesNumberText(t *testing.T) {
	raw := []byte(`{"big":90071992547409923,"frac":0.1}`)
	got, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if string(got) != `{"big":90071992547409923,"frac":0.1}` {
		t.Errorf("number text changed: %s", got)
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	if _, err := Normalize([]byte(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated document")
	}
}
