package mfa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/voicehive/backend/internal/errdefs"
)

// SecretCipher seals TOTP secrets with AES-256-GCM under the
// deployment-managed key. Secrets never persist or log in clear.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher requires a 32-byte key.
func NewSecretCipher(key []byte) (*SecretCipher, error) {
	if len(key) != 32 {
		return nil, errdefs.Validation("mfa encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errdefs.Internal("init mfa cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errdefs.Internal("init mfa cipher", err)
	}
	return &SecretCipher{aead: aead}, nil
}

// Encrypt returns nonce||ciphertext.
func (c *SecretCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errdefs.Internal("generate nonce", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (c *SecretCipher) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, errdefs.Internal("sealed secret too short", nil)
	}
	nonce, ct := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errdefs.Internal("unseal mfa secret", err)
	}
	return plaintext, nil
}
