package security

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	envelopePrefix    = "formhooks.secret.v1:"
	envelopeAlgorithm = "aes-256-gcm"
)

type envelope struct {
	KeyID      string `json:"kid"`
	Version    int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type EnvelopeMetadata struct {
	KeyID     string
	Version   int
	Algorithm string
}

// ParseEnvelopeMetadata reads the key reference of a sealed secret without
// decrypting it.
func ParseEnvelopeMetadata(ciphertext []byte) (EnvelopeMetadata, error) {
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	return EnvelopeMetadata{KeyID: env.KeyID, Version: env.Version, Algorithm: env.Algorithm}, nil
}

func encodeEnvelope(env envelope) ([]byte, error) {
	env.KeyID = strings.TrimSpace(env.KeyID)
	env.Algorithm = strings.ToLower(strings.TrimSpace(env.Algorithm))
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("security: encode envelope: %w", err)
	}
	return append([]byte(envelopePrefix), data...), nil
}

func decodeEnvelope(ciphertext []byte) (envelope, error) {
	if len(ciphertext) == 0 {
		return envelope{}, fmt.Errorf("security: ciphertext is required")
	}
	payload := string(ciphertext)
	if !strings.HasPrefix(payload, envelopePrefix) {
		return envelope{}, fmt.Errorf("security: invalid ciphertext envelope prefix")
	}
	parsed := envelope{}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(payload, envelopePrefix)), &parsed); err != nil {
		return envelope{}, fmt.Errorf("security: decode envelope: %w", err)
	}
	parsed.KeyID = strings.TrimSpace(parsed.KeyID)
	parsed.Algorithm = strings.ToLower(strings.TrimSpace(parsed.Algorithm))
	if parsed.Algorithm == "" {
		parsed.Algorithm = envelopeAlgorithm
	}
	if parsed.Algorithm != envelopeAlgorithm {
		return envelope{}, fmt.Errorf("security: unsupported envelope algorithm %q", parsed.Algorithm)
	}
	if strings.TrimSpace(parsed.Ciphertext) == "" {
		return envelope{}, fmt.Errorf("security: envelope ciphertext is required")
	}
	return parsed, nil
}

func decodeField(name, value string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("security: decode %s: %w", name, err)
	}
	return decoded, nil
}
