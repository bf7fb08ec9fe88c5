// Package credential decrypts stored upstream credentials and injects them
// into outbound requests according to the protocol family.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Cipher seals and opens upstream credentials with AES-256-GCM. The wire
// form is base64(nonce || ciphertext). A nil Cipher (no master key
// configured) passes credentials through as plaintext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher parses a 32-byte master key given as hex or base64. An empty
// key returns (nil, nil): plaintext passthrough for development setups.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, nil
	}
	key, err := parseKey(masterKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func parseKey(s string) ([]byte, error) {
	if key, err := hex.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("credential: master key must be 32 bytes hex or base64")
}

// Encrypt seals plaintext for storage. Used by bootstrap seeding.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("credential: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored credential. With no master key configured the
// stored value is returned unchanged.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	if c == nil {
		return encrypted, nil
	}
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("credential: decode: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("credential: ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("credential: open: %w", err)
	}
	return string(plaintext), nil
}
