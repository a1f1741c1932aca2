package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// PayloadFingerprint identifies a payload by content: the hex SHA-256 of the
// raw body bytes.
func PayloadFingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
