package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const SigningSecretPrefix = "whsec_"

// GenerateSigningSecret returns a random webhook signing secret with 256
// bits of entropy.
func GenerateSigningSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("security: generate signing secret: %w", err)
	}
	return SigningSecretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
