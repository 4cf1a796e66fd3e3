// Package cborcanon provides canonical CBOR encoding helpers for signed
// overlay records. Deterministic encoding (sorted keys, no floats) makes the
// byte stream stable across nodes, which signatures depend on.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is a CBOR encoding mode with CTAP2-style deterministic
// settings: sorted map keys and shortest-form integers.
var CanonicalMode cbor.EncMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// IsCanonical checks whether data is already in canonical form.
func IsCanonical(data []byte) bool {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return false
	}
	canonical, err := Marshal(v)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}

// EncodeForSigning encodes a structure for signing, excluding the named
// fields (typically the signature field itself). The structure is first
// canonically encoded, decoded to a generic map, stripped, and re-encoded,
// so the exclusion works regardless of the Go struct layout.
func EncodeForSigning(v interface{}, excludeFields ...string) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode for field exclusion: %w", err)
	}
	for _, field := range excludeFields {
		delete(m, field)
	}
	return Marshal(m)
}
