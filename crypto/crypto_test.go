package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	plain := "pixiv-refresh-token-xyz"
	ct, err := EncryptString(enc, plain)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if ct == plain {
		t.Fatal("ciphertext equals plaintext")
	}
	got, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if got != plain {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestNonceUniqueness(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	a, _ := EncryptString(enc, "same input")
	b, _ := EncryptString(enc, "same input")
	if a == b {
		t.Error("two encryptions of the same plaintext should differ (random nonce)")
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := NewAESEncryptor(""); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := NewAESEncryptor("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := NewAESEncryptor(short); err == nil {
		t.Error("expected error for wrong key length")
	}
}

func TestTamperedCiphertext(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	ct, _ := EncryptString(enc, "secret")
	raw, _ := base64.StdEncoding.DecodeString(ct)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)
	if _, err := DecryptString(enc, tampered); err == nil {
		t.Error("expected auth failure on tampered ciphertext")
	}
	if _, err := DecryptString(enc, strings.Repeat("A", 8)); err == nil {
		t.Error("expected failure on garbage ciphertext")
	}
}
