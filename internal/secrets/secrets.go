// Package secrets generates subscription signing secrets and seals them at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// SecretPrefix marks engine-generated signing secrets.
	SecretPrefix = "whsec_"

	keySize     = 32
	secretBytes = 32
	sealedTag   = "enc:v1:"
)

// Cipher seals and opens secrets for storage.
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// New returns an AES-256-GCM cipher for key, or a pass-through cipher when key
// is empty. key is 32 bytes encoded as hex or base64.
func New(key string) (Cipher, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Plaintext{}, nil
	}
	raw, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	return NewAESGCM(raw)
}

// ParseKey decodes a 32-byte key from hex, standard base64 or URL-safe base64.
func ParseKey(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == keySize {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == keySize {
			return b, nil
		}
	}
	return nil, fmt.Errorf("encryption key must be %d bytes encoded as hex or base64", keySize)
}

// AESGCM seals secrets with AES-256-GCM. The sealed form is a tagged base64
// string of nonce||ciphertext.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds a cipher from a raw 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes", keySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &AESGCM{aead: gcm}, nil
}

// Seal encrypts plaintext with a fresh nonce.
func (c *AESGCM) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedTag + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Untagged values are returned as is so rows
// written before a key was configured stay readable.
func (c *AESGCM) Open(sealed string) (string, error) {
	enc, ok := strings.CutPrefix(sealed, sealedTag)
	if !ok {
		return sealed, nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return "", errors.New("sealed secret too short")
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Plaintext stores secrets unencrypted.
type Plaintext struct{}

func (Plaintext) Seal(plaintext string) (string, error) { return plaintext, nil }

// Open refuses sealed values since no key is available to decrypt them.
func (Plaintext) Open(sealed string) (string, error) {
	if strings.HasPrefix(sealed, sealedTag) {
		return "", errors.New("secret is encrypted but no encryption key is configured")
	}
	return sealed, nil
}

// Generate returns a new signing secret: the whsec_ prefix followed by 32
// random bytes in unpadded base64url.
func Generate() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Hint redacts a secret to its prefix and last four characters.
func Hint(secret string) string {
	body := strings.TrimPrefix(secret, SecretPrefix)
	if len(body) <= 4 {
		return SecretPrefix + "…"
	}
	return SecretPrefix + "…" + body[len(body)-4:]
}
