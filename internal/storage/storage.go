package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"cliptide/internal/models"
)

type dataset struct {
	Users map[string]models.User `json:"users"`
}

func newDataset() dataset {
	return dataset{
		Users: make(map[string]models.User),
	}
}

// Storage is the JSON file backed repository. All reads and writes go
// through the mutex; every mutation is written to disk before it becomes
// visible, with a rollback on persist failure.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage loads (or initializes) the document store at path.
func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}

	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// CreateUser registers a new account after uniqueness checks on the
// normalized username and email.
func (s *Storage) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	for _, user := range s.data.Users {
		if user.Username == username || user.Email == email {
			return models.User{}, ErrDuplicateUser
		}
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

	s.data.Users[user.ID] = user
	if err := s.persist(); err != nil {
		delete(s.data.Users, user.ID)
		return models.User{}, err
	}

	return user, nil
}

func (s *Storage) GetUser(ctx context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

// FindByUsernameOrEmail returns the first user matching either the
// normalized username or the normalized email.
func (s *Storage) FindByUsernameOrEmail(ctx context.Context, username, email string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByUsernameOrEmailLocked(username, email)
}

func (s *Storage) findByUsernameOrEmailLocked(username, email string) (models.User, error) {
	normalizedUsername := NormalizeUsername(username)
	normalizedEmail := NormalizeEmail(email)
	for _, user := range s.data.Users {
		if normalizedUsername != "" && user.Username == normalizedUsername {
			return user, nil
		}
		if normalizedEmail != "" && user.Email == normalizedEmail {
			return user, nil
		}
	}
	return models.User{}, ErrUserNotFound
}

// AuthenticateUser verifies credentials and returns the matching user on
// success. The identifier may be a username or an email address.
func (s *Storage) AuthenticateUser(ctx context.Context, identifier, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, err := s.FindByUsernameOrEmail(ctx, identifier, identifier)
	if err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// UpdateUser applies the non-nil fields of update to the stored user.
func (s *Storage) UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	previous := user

	if update.FullName != nil {
		user.FullName = *update.FullName
	}
	if update.Email != nil {
		email := NormalizeEmail(*update.Email)
		if email == "" {
			return models.User{}, fmt.Errorf("%w: email is required", ErrValidation)
		}
		for otherID, other := range s.data.Users {
			if otherID != id && other.Email == email {
				return models.User{}, ErrDuplicateUser
			}
		}
		user.Email = email
	}
	if update.AvatarURL != nil {
		user.AvatarURL = *update.AvatarURL
	}
	if update.CoverImageURL != nil {
		user.CoverImageURL = *update.CoverImageURL
	}
	user.UpdatedAt = time.Now().UTC()

	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		s.data.Users[id] = previous
		return models.User{}, err
	}

	return user, nil
}

// SetUserPassword rehashes and stores a new password for the user.
func (s *Storage) SetUserPassword(ctx context.Context, id, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data.Users[id]
	if !ok {
		return ErrUserNotFound
	}
	previous := user

	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hashed
	user.UpdatedAt = time.Now().UTC()

	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		s.data.Users[id] = previous
		return err
	}

	return nil
}

// SetRefreshToken overwrites the stored refresh token unconditionally.
func (s *Storage) SetRefreshToken(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data.Users[id]
	if !ok {
		return ErrUserNotFound
	}
	previous := user

	user.RefreshToken = token
	user.UpdatedAt = time.Now().UTC()

	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		s.data.Users[id] = previous
		return err
	}

	return nil
}

// ClearRefreshToken removes the stored refresh token. Clearing an already
// empty token is a no-op, not an error.
func (s *Storage) ClearRefreshToken(ctx context.Context, id string) error {
	return s.SetRefreshToken(ctx, id, "")
}

// RotateRefreshToken replaces the stored refresh token with next only when
// the stored value still equals presented. Concurrent rotations with the
// same presented token serialize on the mutex, so exactly one caller wins;
// the rest observe ErrRefreshTokenSuperseded.
func (s *Storage) RotateRefreshToken(ctx context.Context, id, presented, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data.Users[id]
	if !ok {
		return ErrUserNotFound
	}
	if user.RefreshToken == "" || user.RefreshToken != presented {
		return ErrRefreshTokenSuperseded
	}
	previous := user

	user.RefreshToken = next
	user.UpdatedAt = time.Now().UTC()

	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		s.data.Users[id] = previous
		return err
	}

	return nil
}

// PruneRefreshTokens clears every stored refresh token the predicate marks
// expired. Runs as one mutation: either all cleared tokens persist or the
// dataset rolls back untouched.
func (s *Storage) PruneRefreshTokens(ctx context.Context, expired func(token string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := make(map[string]models.User)
	now := time.Now().UTC()
	for id, user := range s.data.Users {
		if user.RefreshToken == "" || !expired(user.RefreshToken) {
			continue
		}
		pruned[id] = user
		user.RefreshToken = ""
		user.UpdatedAt = now
		s.data.Users[id] = user
	}
	if len(pruned) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		for id, previous := range pruned {
			s.data.Users[id] = previous
		}
		return 0, err
	}
	return len(pruned), nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}
