// Package canonjson produces the canonical JSON encoding required
// before anything is hashed: sorted object keys, no insignificant
// whitespace. encoding/json already emits compact output and sorts map
// keys, but struct fields come out in declaration order and raw JSON
// text keeps whatever key order it arrived with. This package closes
// that gap by decoding with UseNumber (so numeric precision survives
// the round trip) into generic values and re-encoding them, which
// sorts every object's keys.
//
// encoding/json's own Marshal already sorts map[string]any keys, so
// the only work left is the decode-then-recode round trip for values
// that arrive as arbitrary interface{} (e.g. a journal payload built
// from several sources). That round trip is a handful of lines and
// not worth a third-party dependency.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal encodes v as canonical JSON: object keys sorted, no
// whitespace, trailing newline omitted.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize re-encodes an arbitrary JSON document into canonical
// form: this matters when raw is itself already JSON text assembled
// from parts (e.g. embedding a pre-serialized artifact reference) where
// key order is not guaranteed.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonjson: encode: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MustMarshal is Marshal but panics on error; used only for values whose
// shape is statically known to be JSON-encodable (no channels, funcs).
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Equal reports whether two canonical JSON documents are byte-equal
// after re-canonicalizing both — the round-trip fixed-point property
// requires for hashing.
func Equal(a, b []byte) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
