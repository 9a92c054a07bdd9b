package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndComparePassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected hash encoding: %s", hash)
	}
	if err := ComparePassword(hash, "hunter2"); err != nil {
		t.Fatalf("ComparePassword with correct password: %v", err)
	}
	if err := ComparePassword(hash, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
}

func TestComparePasswordMalformed(t *testing.T) {
	if err := ComparePassword("not-a-hash", "x"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if len(token) != TokenLength {
		t.Fatalf("token length = %d, want %d", len(token), TokenLength)
	}
	digest := DigestToken(token)
	if !VerifyToken(digest, token) {
		t.Fatal("VerifyToken rejected its own token")
	}
	if VerifyToken(digest, token+"x") {
		t.Fatal("VerifyToken accepted a different token")
	}
}

func TestTokensAreUnique(t *testing.T) {
	a, _ := NewToken()
	b, _ := NewToken()
	if a == b {
		t.Fatal("two minted tokens are identical")
	}
}
