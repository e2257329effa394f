package security

import (
	"encoding/base64"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if !enc.IsEnabled() {
		t.Fatal("encryptor with key should be enabled")
	}

	plaintext := "provider-access-token"
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext == plaintext {
		t.Error("ciphertext equals plaintext")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptor_NonceVaries(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	a, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same input produced identical ciphertext")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	if enc.IsEnabled() {
		t.Fatal("encryptor without key should be disabled")
	}

	out, err := enc.Encrypt("plain")
	if err != nil || out != "plain" {
		t.Errorf("Encrypt() = %q, %v; want pass-through", out, err)
	}
	out, err = enc.Decrypt("plain")
	if err != nil || out != "plain" {
		t.Errorf("Decrypt() = %q, %v; want pass-through", out, err)
	}
}

func TestNewEncryptor_BadKeyLength(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Error("NewEncryptor() with short key should fail")
	}
}

func TestEncryptor_DecryptRejectsBadInput(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	if _, err := enc.Decrypt("not base64 !!!"); err == nil {
		t.Error("Decrypt() of invalid base64 should fail")
	}
	if _, err := enc.Decrypt(base64.StdEncoding.EncodeToString([]byte("xy"))); err == nil {
		t.Error("Decrypt() of too-short ciphertext should fail")
	}

	// Ciphertext from a different key does not authenticate.
	otherKey, _ := GenerateKey()
	other, _ := NewEncryptor(otherKey)
	ciphertext, err := other.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := enc.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() with wrong key should fail")
	}
}

func TestKeyFromBase64(t *testing.T) {
	key, _ := GenerateKey()
	encoded := base64.StdEncoding.EncodeToString(key)

	decoded, err := KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if len(decoded) != 32 {
		t.Errorf("decoded key length = %d, want 32", len(decoded))
	}

	if _, err := KeyFromBase64("!!!"); err == nil {
		t.Error("KeyFromBase64() of invalid input should fail")
	}
	if _, err := KeyFromBase64(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("KeyFromBase64() of wrong-length key should fail")
	}
}
