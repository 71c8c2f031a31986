package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cliptide/internal/models"
)

const (
	// DefaultAccessTokenTTL bounds how long an access token is honored.
	DefaultAccessTokenTTL = time.Hour
	// DefaultRefreshTokenTTL bounds how long a refresh token can be redeemed.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

var (
	// ErrTokenInvalid covers malformed tokens and bad signatures.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired indicates a structurally valid token past its expiry.
	ErrTokenExpired = errors.New("token expired")
)

// AccessClaims is the payload carried by access tokens. The profile fields
// let the session middleware skip a store lookup on reads that only need
// identity display data.
type AccessClaims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload carried by refresh tokens. Deliberately
// minimal: a leaked refresh token reveals nothing but the subject ID.
type RefreshClaims struct {
	jwt.RegisteredClaims
}

// TokenManagerConfig carries the signing material and lifetimes for the
// token manager. Access and refresh secrets must differ so one class of
// token can never be replayed as the other.
type TokenManagerConfig struct {
	AccessSecret    []byte
	RefreshSecret   []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Issuer          string
	// Now overrides the clock in tests.
	Now func() time.Time
}

// TokenManager issues and validates the HS256 access/refresh token pair.
type TokenManager struct {
	accessSecret    []byte
	refreshSecret   []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	issuer          string
	now             func() time.Time
}

// NewTokenManager validates the config and returns a ready manager.
func NewTokenManager(cfg TokenManagerConfig) (*TokenManager, error) {
	if len(cfg.AccessSecret) == 0 {
		return nil, errors.New("access token secret required")
	}
	if len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("refresh token secret required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh token secrets must differ")
	}
	manager := &TokenManager{
		accessSecret:    cfg.AccessSecret,
		refreshSecret:   cfg.RefreshSecret,
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
		issuer:          cfg.Issuer,
		now:             cfg.Now,
	}
	if manager.accessTokenTTL <= 0 {
		manager.accessTokenTTL = DefaultAccessTokenTTL
	}
	if manager.refreshTokenTTL <= 0 {
		manager.refreshTokenTTL = DefaultRefreshTokenTTL
	}
	if manager.now == nil {
		manager.now = time.Now
	}
	return manager, nil
}

// RefreshTokenTTL reports the configured refresh token lifetime, used to
// align cookie expiry with token expiry.
func (m *TokenManager) RefreshTokenTTL() time.Duration {
	return m.refreshTokenTTL
}

// AccessTokenTTL reports the configured access token lifetime.
func (m *TokenManager) AccessTokenTTL() time.Duration {
	return m.accessTokenTTL
}

// IssueAccessToken signs a short-lived access token for the user.
func (m *TokenManager) IssueAccessToken(user models.User) (string, error) {
	now := m.now().UTC()
	claims := AccessClaims{
		Username: user.Username,
		Email:    user.Email,
		FullName: user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.accessSecret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// IssueRefreshToken signs a long-lived refresh token for the user.
func (m *TokenManager) IssueRefreshToken(user models.User) (string, error) {
	now := m.now().UTC()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.refreshTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.refreshSecret)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken verifies signature and expiry and returns the claims.
func (m *TokenManager) ValidateAccessToken(raw string) (AccessClaims, error) {
	var claims AccessClaims
	if err := m.parse(raw, &claims, m.accessSecret); err != nil {
		return AccessClaims{}, err
	}
	return claims, nil
}

// ValidateRefreshToken verifies signature and expiry and returns the claims.
func (m *TokenManager) ValidateRefreshToken(raw string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := m.parse(raw, &claims, m.refreshSecret); err != nil {
		return RefreshClaims{}, err
	}
	return claims, nil
}

func (m *TokenManager) parse(raw string, claims jwt.Claims, secret []byte) error {
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}
