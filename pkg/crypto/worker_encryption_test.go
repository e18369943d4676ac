package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestNewTokenCipher(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"raw 32 byte key", strings.Repeat("k", 32), false},
		{"derived key", "short secret", false},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenCipher(tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTokenCipher() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenCipher_SealOpen(t *testing.T) {
	c, err := NewTokenCipher("test-secret")
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := c.Seal("ya29.refresh-token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if sealed == "ya29.refresh-token" {
		t.Fatal("Seal() returned plaintext")
	}

	again, _ := c.Seal("ya29.refresh-token")
	if again == sealed {
		t.Error("Seal() should use a fresh nonce per call")
	}

	plain, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if plain != "ya29.refresh-token" {
		t.Errorf("Open() = %q", plain)
	}
}

func TestTokenCipher_Empty(t *testing.T) {
	c, _ := NewTokenCipher("test-secret")
	if s, err := c.Seal(""); err != nil || s != "" {
		t.Errorf("Seal(\"\") = %q, %v", s, err)
	}
	if s, err := c.Open(""); err != nil || s != "" {
		t.Errorf("Open(\"\") = %q, %v", s, err)
	}
}

func TestTokenCipher_OpenErrors(t *testing.T) {
	c, _ := NewTokenCipher("test-secret")
	other, _ := NewTokenCipher("other-secret")
	sealed, _ := other.Seal("token")

	if _, err := c.Open("!!not base64!!"); err == nil {
		t.Error("Open() error = nil for bad base64")
	}
	if _, err := c.Open("c2hvcnQ="); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open() error = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := c.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open() error = %v, want ErrDecryptionFailed", err)
	}
}
