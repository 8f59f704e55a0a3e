// Copyright 2025 Certen Protocol
//
// Channel-ID derivation. Earlier deployments encoded signature-variant IDs
// as hex while PayWord/PayTree used url-safe-base64; that asymmetry bought
// nothing, so every variant now uses a single encoding. The break with the
// historical hex form is deliberate and lives here, at the one call site.

package settlement

import (
	"crypto/sha256"
	"encoding/base64"
)

// ComputeChannelID derives channel_id = SHA256(client_pub_der || vendor_pub_der || salt).
// All variants use url-safe-base64 without padding; this is a deliberate
// departure from the historical hex encoding used for the signature variant.
func ComputeChannelID(clientPubDER, vendorPubDER, salt []byte) string {
	h := sha256.New()
	h.Write(clientPubDER)
	h.Write(vendorPubDER)
	h.Write(salt)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
