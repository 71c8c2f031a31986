package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cliptide/internal/models"
)

const userColumns = "id, username, email, full_name, password_hash, avatar_url, cover_image_url, refresh_token, created_at, updated_at"

// PostgresRepository persists users to a Postgres table, allowing multiple
// API replicas to share account state. Refresh token rotation relies on a
// compare-and-swap UPDATE instead of an in-process lock.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a Postgres-backed repository using the
// provided DSN and ensures the users table exists.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    username        TEXT NOT NULL UNIQUE,
    email           TEXT NOT NULL UNIQUE,
    full_name       TEXT NOT NULL,
    password_hash   TEXT NOT NULL,
    avatar_url      TEXT NOT NULL DEFAULT '',
    cover_image_url TEXT NOT NULL DEFAULT '',
    refresh_token   TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
)
`)
	if err != nil {
		return fmt.Errorf("ensure users table: %w", err)
	}
	return nil
}

// Close releases the Postgres connection pool resources.
func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&user.AvatarURL,
		&user.CoverImageURL,
		&user.RefreshToken,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	username := NormalizeUsername(params.Username)
	if username == "" {
		return models.User{}, fmt.Errorf("%w: username is required", ErrValidation)
	}
	email := NormalizeEmail(params.Email)
	if email == "" {
		return models.User{}, fmt.Errorf("%w: email is required", ErrValidation)
	}
	if params.FullName == "" {
		return models.User{}, fmt.Errorf("%w: fullName is required", ErrValidation)
	}
	if params.Password == "" {
		return models.User{}, fmt.Errorf("%w: password is required", ErrValidation)
	}

	passwordHash, err := HashPassword(params.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := models.User{
		ID:            uuid.NewString(),
		Username:      username,
		Email:         email,
		FullName:      params.FullName,
		PasswordHash:  passwordHash,
		AvatarURL:     params.AvatarURL,
		CoverImageURL: params.CoverImageURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err = r.pool.Exec(ctx, `
INSERT INTO users (id, username, email, full_name, password_hash, avatar_url, cover_image_url, refresh_token, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8, $9)
`, user.ID, user.Username, user.Email, user.FullName, user.PasswordHash, user.AvatarURL, user.CoverImageURL, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrDuplicateUser
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	return scanUser(row)
}

func (r *PostgresRepository) FindByUsernameOrEmail(ctx context.Context, username, email string) (models.User, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1 OR email = $2 LIMIT 1",
		NormalizeUsername(username), NormalizeEmail(email))
	return scanUser(row)
}

func (r *PostgresRepository) AuthenticateUser(ctx context.Context, identifier, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, err := r.FindByUsernameOrEmail(ctx, identifier, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *PostgresRepository) UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error) {
	setClauses := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}
	next := 2

	appendClause := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, next))
		args = append(args, value)
		next++
	}

	if update.FullName != nil {
		appendClause("full_name", *update.FullName)
	}
	if update.Email != nil {
		email := NormalizeEmail(*update.Email)
		if email == "" {
			return models.User{}, fmt.Errorf("%w: email is required", ErrValidation)
		}
		appendClause("email", email)
	}
	if update.AvatarURL != nil {
		appendClause("avatar_url", *update.AvatarURL)
	}
	if update.CoverImageURL != nil {
		appendClause("cover_image_url", *update.CoverImageURL)
	}

	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d RETURNING %s",
		strings.Join(setClauses, ", "), next, userColumns)
	args = append(args, id)

	user, err := scanUser(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrDuplicateUser
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *PostgresRepository) SetUserPassword(ctx context.Context, id, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	tag, err := r.pool.Exec(ctx, "UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3",
		hashed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) SetRefreshToken(ctx context.Context, id, token string) error {
	tag, err := r.pool.Exec(ctx, "UPDATE users SET refresh_token = $1, updated_at = $2 WHERE id = $3",
		token, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) ClearRefreshToken(ctx context.Context, id string) error {
	return r.SetRefreshToken(ctx, id, "")
}

// RotateRefreshToken performs the rotation as a single conditional UPDATE.
// The row-level lock taken by UPDATE guarantees only one of any set of
// concurrent rotations matches the stored token.
func (r *PostgresRepository) RotateRefreshToken(ctx context.Context, id, presented, next string) error {
	if presented == "" {
		return ErrRefreshTokenSuperseded
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE users SET refresh_token = $1, updated_at = $2
WHERE id = $3 AND refresh_token = $4
`, next, time.Now().UTC(), id, presented)
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetUser(ctx, id); errors.Is(getErr, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return ErrRefreshTokenSuperseded
	}
	return nil
}

// PruneRefreshTokens walks accounts holding a refresh token and clears the
// ones the predicate marks expired. Each clear is the same conditional
// UPDATE as rotation, so a token refreshed mid-sweep is left alone.
func (r *PostgresRepository) PruneRefreshTokens(ctx context.Context, expired func(token string) bool) (int, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, refresh_token FROM users WHERE refresh_token <> ''`)
	if err != nil {
		return 0, fmt.Errorf("list refresh tokens: %w", err)
	}
	type candidate struct {
		id    string
		token string
	}
	var stale []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.token); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan refresh token: %w", err)
		}
		if expired(c.token) {
			stale = append(stale, c)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list refresh tokens: %w", err)
	}

	pruned := 0
	for _, c := range stale {
		tag, err := r.pool.Exec(ctx, `
UPDATE users SET refresh_token = '', updated_at = $1
WHERE id = $2 AND refresh_token = $3
`, time.Now().UTC(), c.id, c.token)
		if err != nil {
			return pruned, fmt.Errorf("prune refresh token: %w", err)
		}
		pruned += int(tag.RowsAffected())
	}
	return pruned, nil
}
