package vault

import (
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestVault_RoundTrip(t *testing.T) {
	v, err := New(testKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	token := "access-token-abc123"

	encrypted, err := v.Encrypt(token)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if encrypted == token {
		t.Error("Encrypt() returned plaintext")
	}

	decrypted, err := v.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}

	if decrypted != token {
		t.Errorf("Decrypt() = %q, want %q", decrypted, token)
	}
}

func TestVault_EncryptIsNondeterministic(t *testing.T) {
	v, err := New(testKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	a, _ := v.Encrypt("same-token")
	b, _ := v.Encrypt("same-token")
	if a == b {
		t.Error("two encryptions of the same token produced identical ciphertext")
	}
}

func TestVault_DecryptWithWrongKey(t *testing.T) {
	v1, err := New(testKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	v2, err := New(strings.Repeat("ff", 32))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	encrypted, err := v1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := v2.Decrypt(encrypted); err == nil {
		t.Error("Decrypt() with wrong key succeeded, want error")
	}
}

func TestVault_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"too short", "abcd"},
		{"not hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.key); err == nil {
				t.Errorf("New(%q) succeeded, want error", tt.key)
			}
		})
	}
}

func TestVault_InvalidCiphertext(t *testing.T) {
	v, err := New(testKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, bad := range []string{"", "not-base64!!", "YWJj"} {
		if _, err := v.Decrypt(bad); err == nil {
			t.Errorf("Decrypt(%q) succeeded, want error", bad)
		}
	}
}
