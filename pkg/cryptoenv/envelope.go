// Copyright 2025 Certen Protocol
//
// Signing envelope for the off-chain settlement protocol: canonical JSON
// payloads signed with ECDSA P-256/SHA-256 and carried as base64 pairs.

package cryptoenv

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidSignature = errors.New("cryptoenv: signature verification failed")
	ErrBadEnvelope      = errors.New("cryptoenv: malformed envelope")
)

// Envelope is the wire format of a signed message: the canonical-JSON payload
// and a detached signature over its exact bytes.
type Envelope struct {
	PayloadB64   string `json:"payload_b64"`
	SignatureB64 string `json:"signature_b64"`
}

// CanonicalJSON serializes v with keys sorted ascending and no insignificant
// whitespace. Callers MUST sign and verify over these exact bytes; never
// re-marshal a decoded value and expect the same bytes back.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("cryptoenv: unmarshal for canonicalization: %w", err)
	}
	return json.Marshal(canonicalizeValue(generic))
}

func canonicalizeValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(vv))
		for _, k := range keys {
			ordered[k] = canonicalizeValue(vv[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return vv
	}
}

// Sign canonicalizes payload, signs the resulting bytes with priv, and
// returns the envelope. The payload bytes are base64-encoded verbatim so a
// verifier never needs to re-encode them.
func Sign(priv *ecdsa.PrivateKey, payload interface{}) (Envelope, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return Envelope{}, err
	}
	return SignBytes(priv, canon)
}

// SignBytes signs already-canonicalized payload bytes directly, used by the
// vendor when it must sign the identical bytes a client previously signed.
func SignBytes(priv *ecdsa.PrivateKey, payload []byte) (Envelope, error) {
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("cryptoenv: sign: %w", err)
	}
	return Envelope{
		PayloadB64:   base64.StdEncoding.EncodeToString(payload),
		SignatureB64: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Verify decodes env.PayloadB64, verifies the detached signature against
// pub, and returns the exact decoded payload bytes for the caller to
// unmarshal. It never re-encodes the payload.
func Verify(pub *ecdsa.PublicKey, env Envelope) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(env.PayloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload_b64: %v", ErrBadEnvelope, err)
	}
	sig, err := base64.StdEncoding.DecodeString(env.SignatureB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature_b64: %v", ErrBadEnvelope, err)
	}
	digest := sha256.Sum256(payload)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return nil, ErrInvalidSignature
	}
	return payload, nil
}

// DecodeWithoutVerifying returns the raw payload bytes without checking the
// signature, used only to peek at fields (e.g. channel_id) needed to look up
// the key that verification will actually use.
func DecodeWithoutVerifying(env Envelope) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(env.PayloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload_b64: %v", ErrBadEnvelope, err)
	}
	return payload, nil
}

// MarshalPublicKeyDER returns the base64(DER SubjectPublicKeyInfo) encoding
// of pub, the canonical account/key identifier used throughout the protocol.
func MarshalPublicKeyDER(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("cryptoenv: marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKeyDER decodes a base64(DER SubjectPublicKeyInfo) string.
func ParsePublicKeyDER(derB64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(derB64)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: decode public key b64: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: parse public key der: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecPub.Curve != elliptic.P256() {
		return nil, errors.New("cryptoenv: public key is not ECDSA P-256")
	}
	return ecPub, nil
}

// ParsePrivateKeyDER parses a raw SEC 1 DER-encoded EC private key.
func ParsePrivateKeyDER(der []byte) (*ecdsa.PrivateKey, error) {
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: parse private key der: %w", err)
	}
	return priv, nil
}

// GenerateKey creates a fresh P-256 keypair, used by tests and local tooling.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
