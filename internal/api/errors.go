package api

import (
	"errors"
	"net/http"

	"cliptide/internal/auth"
	"cliptide/internal/storage"
)

// apiError pairs an HTTP status with a client-safe message. Handlers return
// it (or any error) and the normalizer in handle turns the result into the
// uniform failure envelope.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func newAPIError(status int, message string) *apiError {
	return &apiError{status: status, message: message}
}

func badRequest(message string) *apiError   { return newAPIError(http.StatusBadRequest, message) }
func unauthorized(message string) *apiError { return newAPIError(http.StatusUnauthorized, message) }

// handlerFunc is the error-returning handler shape used by the user
// endpoints. handle adapts it to http.HandlerFunc and normalizes the error.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle converts any returned error into the failure envelope. Known
// sentinel errors map to their statuses; everything else becomes a 500 with
// a generic message so internal details never leak to clients. A panicking
// handler is treated the same as one returning an unknown error.
func (h *Handler) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger().Error("request panicked",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec)
				writeJSON(w, http.StatusInternalServerError, envelope{
					Success: false,
					Message: "internal server error",
				})
			}
		}()
		err := fn(w, r)
		if err == nil {
			return
		}
		status, message := normalizeError(err)
		if status >= http.StatusInternalServerError {
			h.logger().Error("request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"error", err)
		}
		writeJSON(w, status, envelope{Success: false, Message: message})
	}
}

func normalizeError(err error) (int, string) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.status, apiErr.message
	}
	switch {
	case errors.Is(err, storage.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, storage.ErrRefreshTokenSuperseded):
		return http.StatusUnauthorized, "refresh token is expired or already used"
	case errors.Is(err, storage.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, storage.ErrDuplicateUser):
		return http.StatusConflict, "username or email already in use"
	case errors.Is(err, storage.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, "token expired"
	case errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized, "invalid token"
	}
	return http.StatusInternalServerError, "internal server error"
}
