package api

import (
	"context"
	"net/http"

	"cliptide/internal/models"
)

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// ContextWithUser stores the authenticated user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// AuthenticateRequest validates the access token on the request and loads
// the account it names. Missing, expired, and invalid tokens and tokens for
// deleted accounts all get the same generic rejection so a caller cannot
// probe which check failed.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.User, error) {
	token := ExtractAccessToken(r)
	if token == "" {
		return models.User{}, unauthorized("unauthorized request")
	}
	claims, err := h.Tokens.ValidateAccessToken(token)
	if err != nil {
		return models.User{}, unauthorized("unauthorized request")
	}
	user, err := h.Store.GetUser(r.Context(), claims.Subject)
	if err != nil {
		return models.User{}, unauthorized("unauthorized request")
	}
	return user, nil
}

// RequireAuth guards a handler: the request proceeds with the user on the
// context, or is rejected with the failure envelope.
func (h *Handler) RequireAuth(next handlerFunc) http.HandlerFunc {
	return h.handle(func(w http.ResponseWriter, r *http.Request) error {
		user, err := h.AuthenticateRequest(r)
		if err != nil {
			return err
		}
		return next(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func requireUser(r *http.Request) (models.User, error) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		return models.User{}, unauthorized("authentication required")
	}
	return user, nil
}
