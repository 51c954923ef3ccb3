package cryptutil

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	s, err := NewSealer(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	return s
}

func TestSealOpen_RoundTrip(t *testing.T) {
	s := newTestSealer(t)
	blob, err := s.SealString("super-secret-token", []byte("conn-1"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	plain, err := s.OpenString(blob, []byte("conn-1"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if plain != "super-secret-token" {
		t.Fatalf("expected round-tripped secret, got %q", plain)
	}
}

func TestOpen_WrongAssociatedDataFails(t *testing.T) {
	s := newTestSealer(t)
	blob, err := s.SealString("super-secret-token", []byte("conn-1"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := s.OpenString(blob, []byte("conn-2")); err == nil {
		t.Fatalf("expected decryption to fail when bound to a different row id")
	}
}

func TestOpen_TamperedCiphertextFails(t *testing.T) {
	s := newTestSealer(t)
	blob, err := s.Seal([]byte("data"), []byte("aad"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF
	if _, err := s.Open(blob, []byte("aad")); err == nil {
		t.Fatalf("expected tampered ciphertext to fail to decrypt")
	}
}

func TestNewSealer_RejectsWrongKeySize(t *testing.T) {
	shortKey := base64.StdEncoding.EncodeToString([]byte("too-short"))
	if _, err := NewSealer(shortKey); err == nil {
		t.Fatalf("expected error for undersized key")
	}
}
