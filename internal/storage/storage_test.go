package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	return store
}

func createTestUser(t *testing.T, store *Storage) string {
	t.Helper()
	user, err := store.CreateUser(context.Background(), CreateUserParams{
		Username: "Creator",
		Email:    "creator@example.com",
		FullName: "Creator One",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	return user.ID
}

func TestCreateUserHashesPassword(t *testing.T) {
	store := newTestStorage(t)
	user, err := store.CreateUser(context.Background(), CreateUserParams{
		Username: "Alice",
		Email:    "Alice@Example.COM",
		FullName: "Alice Example",
		Password: "correct horse battery",
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("expected normalized username alice, got %q", user.Username)
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	if !strings.HasPrefix(user.PasswordHash, "pbkdf2$sha256$") {
		t.Fatalf("expected pbkdf2 hash, got %q", user.PasswordHash)
	}
	if user.PasswordHash == "correct horse battery" {
		t.Fatal("password stored in plaintext")
	}
	if user.RefreshToken != "" {
		t.Fatalf("new user should have no refresh token, got %q", user.RefreshToken)
	}
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	store := newTestStorage(t)
	createTestUser(t, store)

	cases := []struct {
		name   string
		params CreateUserParams
	}{
		{"same username", CreateUserParams{Username: "creator", Email: "other@example.com", FullName: "Other", Password: "password123"}},
		{"same email", CreateUserParams{Username: "other", Email: "creator@example.com", FullName: "Other", Password: "password123"}},
		{"lookalike username", CreateUserParams{Username: "CREATOR", Email: "third@example.com", FullName: "Third", Password: "password123"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.CreateUser(context.Background(), tc.params); !errors.Is(err, ErrDuplicateUser) {
				t.Fatalf("expected ErrDuplicateUser, got %v", err)
			}
		})
	}
}

func TestAuthenticateUser(t *testing.T) {
	store := newTestStorage(t)
	createTestUser(t, store)
	ctx := context.Background()

	if _, err := store.AuthenticateUser(ctx, "creator", "hunter2hunter2"); err != nil {
		t.Fatalf("authenticate by username failed: %v", err)
	}
	if _, err := store.AuthenticateUser(ctx, "creator@example.com", "hunter2hunter2"); err != nil {
		t.Fatalf("authenticate by email failed: %v", err)
	}
	if _, err := store.AuthenticateUser(ctx, "creator", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := store.AuthenticateUser(ctx, "nobody", "hunter2hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := store.AuthenticateUser(ctx, "creator", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for empty password, got %v", err)
	}
}

func TestSetUserPassword(t *testing.T) {
	store := newTestStorage(t)
	id := createTestUser(t, store)
	ctx := context.Background()

	if err := store.SetUserPassword(ctx, id, "brand-new-secret"); err != nil {
		t.Fatalf("SetUserPassword returned error: %v", err)
	}
	if _, err := store.AuthenticateUser(ctx, "creator", "hunter2hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should be rejected, got %v", err)
	}
	if _, err := store.AuthenticateUser(ctx, "creator", "brand-new-secret"); err != nil {
		t.Fatalf("new password should authenticate: %v", err)
	}
	if err := store.SetUserPassword(ctx, "missing", "whatever123"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUpdateUser(t *testing.T) {
	store := newTestStorage(t)
	id := createTestUser(t, store)
	ctx := context.Background()

	fullName := "Renamed Creator"
	email := "Renamed@Example.com"
	updated, err := store.UpdateUser(ctx, id, UserUpdate{FullName: &fullName, Email: &email})
	if err != nil {
		t.Fatalf("UpdateUser returned error: %v", err)
	}
	if updated.FullName != fullName {
		t.Fatalf("expected fullName %q, got %q", fullName, updated.FullName)
	}
	if updated.Email != "renamed@example.com" {
		t.Fatalf("expected normalized email, got %q", updated.Email)
	}

	if _, err := store.CreateUser(ctx, CreateUserParams{
		Username: "second", Email: "second@example.com", FullName: "Second", Password: "password123",
	}); err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	taken := "second@example.com"
	if _, err := store.UpdateUser(ctx, id, UserUpdate{Email: &taken}); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser for taken email, got %v", err)
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	store := newTestStorage(t)
	id := createTestUser(t, store)
	ctx := context.Background()

	if err := store.SetRefreshToken(ctx, id, "token-one"); err != nil {
		t.Fatalf("SetRefreshToken returned error: %v", err)
	}
	if err := store.RotateRefreshToken(ctx, id, "token-one", "token-two"); err != nil {
		t.Fatalf("rotation with matching token failed: %v", err)
	}
	if err := store.RotateRefreshToken(ctx, id, "token-one", "token-three"); !errors.Is(err, ErrRefreshTokenSuperseded) {
		t.Fatalf("replayed token should be superseded, got %v", err)
	}
	user, err := store.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if user.RefreshToken != "token-two" {
		t.Fatalf("expected stored token token-two, got %q", user.RefreshToken)
	}

	if err := store.ClearRefreshToken(ctx, id); err != nil {
		t.Fatalf("ClearRefreshToken returned error: %v", err)
	}
	if err := store.RotateRefreshToken(ctx, id, "token-two", "token-four"); !errors.Is(err, ErrRefreshTokenSuperseded) {
		t.Fatalf("rotation after clear should be superseded, got %v", err)
	}
	if err := store.RotateRefreshToken(ctx, id, "", "token-five"); !errors.Is(err, ErrRefreshTokenSuperseded) {
		t.Fatalf("empty presented token should be superseded, got %v", err)
	}
}

func TestRotateRefreshTokenSingleWinner(t *testing.T) {
	store := newTestStorage(t)
	id := createTestUser(t, store)
	ctx := context.Background()

	if err := store.SetRefreshToken(ctx, id, "shared-token"); err != nil {
		t.Fatalf("SetRefreshToken returned error: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.RotateRefreshToken(ctx, id, "shared-token", "replacement")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrRefreshTokenSuperseded):
		default:
			t.Fatalf("unexpected rotation error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", winners)
	}
}

func TestStoragePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	id := createTestUser(t, store)
	if err := store.SetRefreshToken(context.Background(), id, "persisted-token"); err != nil {
		t.Fatalf("SetRefreshToken returned error: %v", err)
	}

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	user, err := reloaded.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUser after reload returned error: %v", err)
	}
	if user.RefreshToken != "persisted-token" {
		t.Fatalf("expected refresh token to survive reload, got %q", user.RefreshToken)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := newTestStorage(t)
	id := createTestUser(t, store)
	ctx := context.Background()

	if err := store.SetRefreshToken(ctx, id, "stable"); err != nil {
		t.Fatalf("SetRefreshToken returned error: %v", err)
	}

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	if err := store.SetRefreshToken(ctx, id, "lost"); err == nil {
		t.Fatal("expected persist failure to surface")
	}
	store.persistOverride = nil

	user, err := store.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if user.RefreshToken != "stable" {
		t.Fatalf("expected rollback to keep token stable, got %q", user.RefreshToken)
	}
}

func TestPruneRefreshTokens(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, name := range []string{"alice", "bob", "carol"} {
		user, err := store.CreateUser(ctx, CreateUserParams{
			Username: name,
			Email:    name + "@example.com",
			FullName: name,
			Password: "password123",
		})
		if err != nil {
			t.Fatalf("CreateUser returned error: %v", err)
		}
		ids = append(ids, user.ID)
	}
	if err := store.SetRefreshToken(ctx, ids[0], "stale-token"); err != nil {
		t.Fatalf("SetRefreshToken returned error: %v", err)
	}
	if err := store.SetRefreshToken(ctx, ids[1], "live-token"); err != nil {
		t.Fatalf("SetRefreshToken returned error: %v", err)
	}

	pruned, err := store.PruneRefreshTokens(ctx, func(token string) bool {
		return token == "stale-token"
	})
	if err != nil {
		t.Fatalf("PruneRefreshTokens returned error: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned token, got %d", pruned)
	}

	stale, err := store.GetUser(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if stale.RefreshToken != "" {
		t.Fatalf("expected stale token cleared, got %q", stale.RefreshToken)
	}
	live, err := store.GetUser(ctx, ids[1])
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if live.RefreshToken != "live-token" {
		t.Fatalf("expected live token untouched, got %q", live.RefreshToken)
	}

	pruned, err = store.PruneRefreshTokens(ctx, func(string) bool { return true })
	if err != nil {
		t.Fatalf("PruneRefreshTokens returned error: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected remaining token pruned, got %d", pruned)
	}
}
