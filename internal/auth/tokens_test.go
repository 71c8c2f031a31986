package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"cliptide/internal/models"
)

func newTestManager(t *testing.T, now func() time.Time) *TokenManager {
	t.Helper()
	manager, err := NewTokenManager(TokenManagerConfig{
		AccessSecret:  []byte("access-secret-for-tests"),
		RefreshSecret: []byte("refresh-secret-for-tests"),
		Issuer:        "cliptide-test",
		Now:           now,
	})
	if err != nil {
		t.Fatalf("NewTokenManager returned error: %v", err)
	}
	return manager
}

func testUser() models.User {
	return models.User{
		ID:       "user-123",
		Username: "alice",
		Email:    "alice@example.com",
		FullName: "Alice Example",
	}
}

func TestNewTokenManagerRejectsSharedSecret(t *testing.T) {
	_, err := NewTokenManager(TokenManagerConfig{
		AccessSecret:  []byte("same"),
		RefreshSecret: []byte("same"),
	})
	if err == nil {
		t.Fatal("expected error for identical secrets")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	manager := newTestManager(t, nil)
	user := testUser()

	token, err := manager.IssueAccessToken(user)
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}
	claims, err := manager.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken returned error: %v", err)
	}
	if claims.Subject != user.ID {
		t.Fatalf("expected subject %q, got %q", user.ID, claims.Subject)
	}
	if claims.Username != user.Username || claims.Email != user.Email || claims.FullName != user.FullName {
		t.Fatalf("unexpected profile claims: %+v", claims)
	}
}

func TestRefreshTokenCarriesOnlySubject(t *testing.T) {
	manager := newTestManager(t, nil)

	token, err := manager.IssueRefreshToken(testUser())
	if err != nil {
		t.Fatalf("IssueRefreshToken returned error: %v", err)
	}
	claims, err := manager.ValidateRefreshToken(token)
	if err != nil {
		t.Fatalf("ValidateRefreshToken returned error: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Fatalf("expected subject user-123, got %q", claims.Subject)
	}
	if strings.Contains(token, "alice@example.com") {
		t.Fatal("refresh token payload should not embed profile data")
	}
}

func TestTokenClassesAreNotInterchangeable(t *testing.T) {
	manager := newTestManager(t, nil)
	user := testUser()

	access, err := manager.IssueAccessToken(user)
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}
	refresh, err := manager.IssueRefreshToken(user)
	if err != nil {
		t.Fatalf("IssueRefreshToken returned error: %v", err)
	}

	if _, err := manager.ValidateRefreshToken(access); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token should be rejected as refresh token, got %v", err)
	}
	if _, err := manager.ValidateAccessToken(refresh); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh token should be rejected as access token, got %v", err)
	}
}

func TestExpiredTokenReported(t *testing.T) {
	issuedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := issuedAt
	manager := newTestManager(t, func() time.Time { return current })

	token, err := manager.IssueAccessToken(testUser())
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}

	current = issuedAt.Add(30 * time.Minute)
	if _, err := manager.ValidateAccessToken(token); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}

	current = issuedAt.Add(2 * time.Hour)
	if _, err := manager.ValidateAccessToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	manager := newTestManager(t, nil)

	token, err := manager.IssueAccessToken(testUser())
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := manager.ValidateAccessToken(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if _, err := manager.ValidateAccessToken("not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for garbage input, got %v", err)
	}
}
