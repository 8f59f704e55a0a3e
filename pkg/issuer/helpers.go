// Copyright 2025 Certen Protocol

package issuer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// decodeHash decodes a base64-encoded 32-byte hash (a PayWord token/root or
// a PayTree leaf/sibling), rejecting anything that does not decode to
// exactly 32 bytes.
func decodeHash(b64 string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, fmt.Errorf("issuer: decode hash b64: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("issuer: hash must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// unmarshalJSON is a thin wrapper kept for symmetry with cryptoenv's
// byte-exact verify-then-decode discipline: callers always decode the bytes
// cryptoenv.Verify returned, never a re-encoded copy.
func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
