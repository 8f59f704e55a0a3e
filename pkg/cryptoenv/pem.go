// Copyright 2025 Certen Protocol

package cryptoenv

import (
	"crypto/ecdsa"
	"encoding/pem"
	"fmt"
)

// LoadPrivateKeyPEM decodes the first PEM block in pemBytes and parses its
// bytes as a SEC 1 ("EC PRIVATE KEY") DER key; the block's type label is not
// checked. The binaries use it for the key file named by PRIVATE_KEY_PATH.
func LoadPrivateKeyPEM(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("cryptoenv: no PEM block found")
	}
	return ParsePrivateKeyDER(block.Bytes)
}
