package storage

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"

	"cliptide/internal/models"
)

var (
	// ErrUserNotFound indicates the identifier resolved to no account.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateUser indicates the username or email is already taken.
	ErrDuplicateUser = errors.New("username or email already in use")
	// ErrInvalidCredentials indicates a failed password check.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRefreshTokenSuperseded indicates the presented refresh token no longer
	// matches the stored one: it was rotated away or revoked. Distinct from
	// ErrUserNotFound so replay attempts can be reported precisely.
	ErrRefreshTokenSuperseded = errors.New("refresh token superseded")
	// ErrValidation marks input rejected by the repository's field checks so
	// the API layer can answer 400 instead of treating it as an internal
	// failure. Wrapped messages name the offending field.
	ErrValidation = errors.New("invalid input")
)

// CreateUserParams captures the attributes required to register an account.
// AvatarURL must already point at uploaded media; the repository does not
// talk to the media host.
type CreateUserParams struct {
	Username      string
	Email         string
	FullName      string
	Password      string
	AvatarURL     string
	CoverImageURL string
}

// UserUpdate lists the mutable profile fields. Nil pointers leave the field
// untouched.
type UserUpdate struct {
	FullName      *string
	Email         *string
	AvatarURL     *string
	CoverImageURL *string
}

// Repository is the persistence contract consumed by the API layer. Two
// implementations exist: the JSON file document store and the Postgres store.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	FindByUsernameOrEmail(ctx context.Context, username, email string) (models.User, error)
	AuthenticateUser(ctx context.Context, identifier, password string) (models.User, error)
	UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error)
	SetUserPassword(ctx context.Context, id, password string) error

	// SetRefreshToken unconditionally overwrites the stored refresh token
	// (login: last write wins, prior sessions are invalidated).
	SetRefreshToken(ctx context.Context, id, token string) error
	// ClearRefreshToken removes the stored refresh token (logout).
	ClearRefreshToken(ctx context.Context, id string) error
	// RotateRefreshToken atomically replaces the stored refresh token with
	// next, but only when the stored value is byte-equal to presented.
	// Returns ErrRefreshTokenSuperseded otherwise.
	RotateRefreshToken(ctx context.Context, id, presented, next string) error
	// PruneRefreshTokens clears stored refresh tokens the expired predicate
	// rejects. Tokens carry their own expiry, so this is housekeeping: it
	// keeps dead tokens from lingering on accounts that never log out.
	PruneRefreshTokens(ctx context.Context, expired func(token string) bool) (int, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// NormalizeUsername folds a submitted username to its canonical stored form.
// NFKC normalization collapses visually-identical sequences before
// lowercasing so lookalike usernames collide instead of coexisting.
func NormalizeUsername(username string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(username)))
}

// NormalizeEmail lowercases and trims a submitted email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
