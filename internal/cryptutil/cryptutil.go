// Package cryptutil provides authenticated encryption for platform
// connection credentials at rest.
package cryptutil

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts and decrypts small secrets (access tokens, client
// secrets) using ChaCha20-Poly1305 with a fixed master key. Associated
// data binds each ciphertext to the row it belongs to, so a ciphertext
// copied into a different row's column fails to decrypt.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a base64-encoded 32-byte master key.
func NewSealer(base64Key string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("op=cryptutil.NewSealer: decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("op=cryptutil.NewSealer: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("op=cryptutil.NewSealer: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, binding it to associatedData (e.g. the owning
// row's id). The returned blob is nonce || ciphertext and is safe to
// store directly in a bytea column.
func (s *Sealer) Seal(plaintext []byte, associatedData []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("op=cryptutil.Seal: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open decrypts a blob produced by Seal, verifying it was bound to the
// same associatedData. Returns an error on any tampering, wrong key, or
// row-swap attempt; the error does not wrap domain.ErrAuthentication,
// callers map it themselves.
func (s *Sealer) Open(blob []byte, associatedData []byte) ([]byte, error) {
	if len(blob) < s.aead.NonceSize() {
		return nil, fmt.Errorf("op=cryptutil.Open: ciphertext too short")
	}
	nonce, ciphertext := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("op=cryptutil.Open: %w", err)
	}
	return plaintext, nil
}

// SealString is a convenience wrapper around Seal for string secrets.
func (s *Sealer) SealString(plaintext string, associatedData []byte) ([]byte, error) {
	return s.Seal([]byte(plaintext), associatedData)
}

// OpenString is a convenience wrapper around Open for string secrets.
func (s *Sealer) OpenString(blob []byte, associatedData []byte) (string, error) {
	pt, err := s.Open(blob, associatedData)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
