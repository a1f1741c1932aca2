package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-formhooks/core"
)

type Option func(*AppKeySecretProvider)

type appKey struct {
	key     []byte
	version int
}

// AppKeySecretProvider seals subscription signing secrets with AES-GCM under
// an application key. Retired keys can be registered for decryption only, so
// secrets sealed before a key rotation stay readable.
type AppKeySecretProvider struct {
	current string
	keys    map[string]appKey
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" || trimmed == provider.current {
			return
		}
		provider.keys[trimmed] = provider.keys[provider.current]
		delete(provider.keys, provider.current)
		provider.current = trimmed
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version <= 0 {
			return
		}
		entry := provider.keys[provider.current]
		entry.version = version
		provider.keys[provider.current] = entry
	}
}

// WithRetiredKey registers a key that can still open secrets sealed under
// keyID but is never used to seal new ones.
func WithRetiredKey(keyID string, keyMaterial []byte) Option {
	return func(provider *AppKeySecretProvider) {
		keyID = strings.TrimSpace(keyID)
		material := bytes.TrimSpace(keyMaterial)
		if keyID == "" || keyID == provider.current || len(material) == 0 {
			return
		}
		provider.keys[keyID] = appKey{key: normalizeKey(material)}
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	provider := &AppKeySecretProvider{
		current: "app-key",
		keys: map[string]appKey{
			"app-key": {key: normalizeKey(key), version: 1},
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	current := p.keys[p.current]
	gcm, err := newGCM(current.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, []byte(p.current))
	return encodeEnvelope(envelope{
		KeyID:      p.current,
		Version:    current.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	parsed, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	keyID := parsed.KeyID
	if keyID == "" {
		keyID = p.current
	}
	entry, ok := p.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("security: unknown key id %q", keyID)
	}
	if keyID == p.current && parsed.Version > 0 && parsed.Version != entry.version {
		return nil, fmt.Errorf("security: key version mismatch: got %d want %d", parsed.Version, entry.version)
	}
	nonce, err := decodeField("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := decodeField("ciphertext payload", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(entry.key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.current
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.keys[p.current].version
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
