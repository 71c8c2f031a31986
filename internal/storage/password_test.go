package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret-passphrase")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	parts := strings.Split(hash, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		t.Fatalf("unexpected hash format: %q", hash)
	}
	if err := VerifyPassword(hash, "s3cret-passphrase"); err != nil {
		t.Fatalf("VerifyPassword rejected correct password: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	first, err := HashPassword("same-input")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	second, err := HashPassword("same-input")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct salts to produce distinct hashes")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	// An absent or unreadable stored hash is a non-match, not an internal
	// failure: callers must see the same sentinel as a wrong password.
	cases := []string{
		"",
		"plaintext",
		"bcrypt$sha256$1$AAAA$BBBB",
		"pbkdf2$sha256$notanumber$AAAA$BBBB",
		"pbkdf2$sha256$0$AAAA$BBBB",
		"pbkdf2$sha256$1$!!!$BBBB",
		"pbkdf2$sha256$1$AAAA$!!!",
	}
	for _, hash := range cases {
		if err := VerifyPassword(hash, "anything"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials for malformed hash %q, got %v", hash, err)
		}
	}
}

func TestNormalizeUsername(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  Alice  ", "alice"},
		{"ALICE", "alice"},
		{"ﬁlm", "film"}, // NFKC folds the ligature
		{"ｃｒｅａｔｏｒ", "creator"},
	}
	for _, tc := range cases {
		if got := NormalizeUsername(tc.in); got != tc.want {
			t.Fatalf("NormalizeUsername(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
