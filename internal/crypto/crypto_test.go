package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("device-1")
	plaintext := []byte(`{"title":"NDA draft","body":"clause text"}`)

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ciphertext == string(plaintext) {
		t.Error("Expected ciphertext to differ from plaintext")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Round trip mismatch: %s", decrypted)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	ciphertext, err := Encrypt([]byte("secret"), DeriveKey("device-1"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(ciphertext, DeriveKey("device-2")); err != ErrInvalidCiphertext {
		t.Errorf("Expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestDecryptGarbage(t *testing.T) {
	key := DeriveKey("device-1")

	if _, err := Decrypt("not base64!!!", key); err != ErrInvalidCiphertext {
		t.Errorf("Expected ErrInvalidCiphertext for bad base64, got %v", err)
	}
	if _, err := Decrypt("AAAA", key); err != ErrInvalidCiphertext {
		t.Errorf("Expected ErrInvalidCiphertext for short data, got %v", err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	if _, err := Encrypt([]byte("x"), nil); err != ErrInvalidKey {
		t.Errorf("Expected ErrInvalidKey on encrypt, got %v", err)
	}
	if _, err := Decrypt("AAAA", nil); err != ErrInvalidKey {
		t.Errorf("Expected ErrInvalidKey on decrypt, got %v", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("device-1")
	b := DeriveKey("device-1")
	c := DeriveKey("device-2")

	if !bytes.Equal(a, b) {
		t.Error("Expected identical keys for the same device id")
	}
	if bytes.Equal(a, c) {
		t.Error("Expected different keys for different device ids")
	}
	if len(a) != 32 {
		t.Errorf("Expected 32-byte key, got %d", len(a))
	}
}
