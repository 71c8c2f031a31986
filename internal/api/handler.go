package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"cliptide/internal/auth"
	"cliptide/internal/media"
	"cliptide/internal/storage"
)

// Handler bundles the dependencies shared by the user endpoints.
type Handler struct {
	Store        storage.Repository
	Tokens       *auth.TokenManager
	Media        media.Uploader
	MediaConfig  media.Config
	Logger       *slog.Logger
	CookiePolicy CookiePolicy
}

func NewHandler(store storage.Repository, tokens *auth.TokenManager, uploader media.Uploader) *Handler {
	if uploader == nil {
		uploader = media.NoopUploader{}
	}
	return &Handler{
		Store:        store,
		Tokens:       tokens,
		Media:        uploader,
		Logger:       slog.Default(),
		CookiePolicy: DefaultCookiePolicy(),
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// envelope is the uniform response shape. Every endpoint, success or
// failure, returns {"success": bool, "message": string, "data": ...}.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// maxJSONBodyBytes bounds JSON request bodies; the payloads here are a few
// short strings, so anything near the limit is garbage.
const maxJSONBodyBytes = 100 << 10

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// ExtractAccessToken pulls the access token from the Authorization header
// or the accessToken cookie, header first.
func ExtractAccessToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(accessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
