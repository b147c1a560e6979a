package voicemail

import (
	"strings"
	"testing"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("4242")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}

	if !IsPasswordHash(hash) {
		t.Errorf("hash should start with $argon2id$, got %q", hash)
	}

	// Hash should contain 6 dollar-sign-delimited parts.
	if parts := strings.Split(hash, "$"); len(parts) != 6 {
		t.Errorf("hash should have 6 parts, got %d", len(parts))
	}
}

func TestCheckPassword(t *testing.T) {
	hash, err := HashPassword("1234")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}

	match, err := CheckPassword("1234", hash)
	if err != nil {
		t.Fatalf("CheckPassword() error: %v", err)
	}
	if !match {
		t.Error("CheckPassword() should return true for correct secret")
	}

	match, err = CheckPassword("4321", hash)
	if err != nil {
		t.Fatalf("CheckPassword() error: %v", err)
	}
	if match {
		t.Error("CheckPassword() should return false for wrong secret")
	}
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	hash1, err := HashPassword("0000")
	if err != nil {
		t.Fatalf("HashPassword() first call error: %v", err)
	}
	hash2, err := HashPassword("0000")
	if err != nil {
		t.Fatalf("HashPassword() second call error: %v", err)
	}
	if hash1 == hash2 {
		t.Error("two hashes of the same secret should differ (unique salts)")
	}
}

func TestCheckPasswordInvalidFormat(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty string", ""},
		{"no delimiters", "notahash"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"missing parts", "$argon2id$v=19$m=65536,t=3,p=4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CheckPassword("1234", tt.encoded); err == nil {
				t.Error("expected error for invalid hash format")
			}
		})
	}
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("5150")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}

	tests := []struct {
		name   string
		secret string
		stored string
		want   bool
	}{
		{"hashed match", "5150", hash, true},
		{"hashed mismatch", "5151", hash, false},
		{"plaintext match", "1234", "1234", true},
		{"plaintext mismatch", "1235", "1234", false},
		{"plaintext prefix", "123", "1234", false},
		{"empty stored never matches", "", "", false},
		{"corrupt hash", "1234", "$argon2id$broken", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.secret, tt.stored); got != tt.want {
				t.Errorf("VerifyPassword(%q) = %v, want %v", tt.secret, got, tt.want)
			}
		})
	}
}
