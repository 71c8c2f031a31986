package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"cliptide/internal/media"
	"cliptide/internal/models"
	"cliptide/internal/storage"
)

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	OldPassword     string `json:"oldPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

type updateAccountRequest struct {
	FullName *string `json:"fullName"`
	Email    *string `json:"email"`
}

type sessionResponse struct {
	User         models.User `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
}

// Register creates an account from a multipart form: text credentials plus
// an avatar image and an optional cover image. Uploaded media is removed
// again if account creation fails afterwards.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) error {
	form, err := readMultipartForm(r, "avatar", "coverImage")
	if err != nil {
		return err
	}

	fullName := form.value("fullName")
	email := form.value("email")
	username := form.value("username")
	password := form.value("password")
	if fullName == "" || email == "" || username == "" || password == "" {
		return badRequest("fullName, email, username and password are required")
	}
	if confirm, ok := form.fields["confirmPassword"]; ok && confirm != password {
		return badRequest("password confirmation does not match")
	}

	if _, err := h.Store.FindByUsernameOrEmail(r.Context(), username, email); err == nil {
		return newAPIError(http.StatusConflict, "username or email already in use")
	} else if !errors.Is(err, storage.ErrUserNotFound) {
		return fmt.Errorf("check existing user: %w", err)
	}

	avatar := form.file("avatar")
	if avatar == nil {
		return badRequest("avatar file is required")
	}

	avatarObj, err := h.uploadImage(r.Context(), "avatars", avatar)
	if err != nil {
		return fmt.Errorf("upload avatar: %w", err)
	}
	var coverObj media.Object
	if cover := form.file("coverImage"); cover != nil {
		coverObj, err = h.uploadImage(r.Context(), "covers", cover)
		if err != nil {
			h.discardMedia(avatarObj)
			return fmt.Errorf("upload cover image: %w", err)
		}
	}

	user, err := h.Store.CreateUser(r.Context(), storage.CreateUserParams{
		Username:      username,
		Email:         email,
		FullName:      fullName,
		Password:      password,
		AvatarURL:     avatarObj.URL,
		CoverImageURL: coverObj.URL,
	})
	if err != nil {
		h.discardMedia(avatarObj)
		h.discardMedia(coverObj)
		return err
	}

	h.logger().Info("user registered", "userId", user.ID, "username", user.Username)
	writeSuccess(w, http.StatusCreated, "user registered successfully", user.Sanitized())
	return nil
}

// Login verifies credentials, issues the token pair, persists the refresh
// token and sets both cookies. A fresh login invalidates any refresh token
// issued to an earlier session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		return badRequest("invalid request body")
	}
	identifier := strings.TrimSpace(req.Username)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Email)
	}
	if identifier == "" || req.Password == "" {
		return badRequest("username or email and password are required")
	}

	user, err := h.Store.AuthenticateUser(r.Context(), identifier, req.Password)
	if err != nil {
		return err
	}

	accessToken, refreshToken, err := h.issueSession(r.Context(), user)
	if err != nil {
		return err
	}

	h.setSessionCookies(w, r, accessToken, refreshToken)
	h.logger().Info("user logged in", "userId", user.ID)
	writeSuccess(w, http.StatusOK, "logged in successfully", sessionResponse{
		User:         user.Sanitized(),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
	return nil
}

// Logout clears the stored refresh token and expires both cookies.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) error {
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	if err := h.Store.ClearRefreshToken(r.Context(), user.ID); err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		return err
	}
	h.clearSessionCookies(w, r)
	writeSuccess(w, http.StatusOK, "logged out successfully", nil)
	return nil
}

// RefreshSession redeems a refresh token for a fresh token pair. The
// presented token must match the stored one exactly; the match-and-replace
// is atomic, so a token can be redeemed at most once.
func (h *Handler) RefreshSession(w http.ResponseWriter, r *http.Request) error {
	presented := h.extractRefreshToken(r)
	if presented == "" {
		return unauthorized("refresh token required")
	}

	claims, err := h.Tokens.ValidateRefreshToken(presented)
	if err != nil {
		return unauthorized("invalid refresh token")
	}

	user, err := h.Store.GetUser(r.Context(), claims.Subject)
	if err != nil {
		return unauthorized("invalid refresh token")
	}

	// Sign both tokens before touching storage so a signing failure cannot
	// rotate the stored token to a value the client never receives.
	refreshToken, err := h.Tokens.IssueRefreshToken(user)
	if err != nil {
		return fmt.Errorf("issue refresh token: %w", err)
	}
	accessToken, err := h.Tokens.IssueAccessToken(user)
	if err != nil {
		return fmt.Errorf("issue access token: %w", err)
	}
	if err := h.Store.RotateRefreshToken(r.Context(), user.ID, presented, refreshToken); err != nil {
		return err
	}

	h.setSessionCookies(w, r, accessToken, refreshToken)
	writeSuccess(w, http.StatusOK, "session refreshed", sessionResponse{
		User:         user.Sanitized(),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
	return nil
}

// ChangePassword verifies the current password before storing the new one.
// The stored refresh token is cleared so other sessions have to log in again
// with the new credential.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) error {
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return badRequest("invalid request body")
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		return badRequest("oldPassword and newPassword are required")
	}
	if req.ConfirmPassword != "" && req.ConfirmPassword != req.NewPassword {
		return badRequest("password confirmation does not match")
	}
	if err := storage.VerifyPassword(user.PasswordHash, req.OldPassword); err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			return badRequest("old password is incorrect")
		}
		return err
	}
	if err := h.Store.SetUserPassword(r.Context(), user.ID, req.NewPassword); err != nil {
		return err
	}
	if err := h.Store.ClearRefreshToken(r.Context(), user.ID); err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "password changed successfully", nil)
	return nil
}

// CurrentUser returns the authenticated account.
func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) error {
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "current user fetched successfully", user.Sanitized())
	return nil
}

// UpdateAccount updates the mutable text profile fields.
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) error {
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	var req updateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		return badRequest("invalid request body")
	}
	if req.FullName == nil && req.Email == nil {
		return badRequest("nothing to update")
	}
	updated, err := h.Store.UpdateUser(r.Context(), user.ID, storage.UserUpdate{
		FullName: req.FullName,
		Email:    req.Email,
	})
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "account details updated", updated.Sanitized())
	return nil
}

// UpdateAvatar replaces the stored avatar with a freshly uploaded one and
// deletes the previous object.
func (h *Handler) UpdateAvatar(w http.ResponseWriter, r *http.Request) error {
	return h.updateImage(w, r, "avatar", "avatars",
		func(url string) storage.UserUpdate { return storage.UserUpdate{AvatarURL: &url} },
		func(u models.User) string { return u.AvatarURL })
}

// UpdateCoverImage replaces the stored cover image; same flow as avatars.
func (h *Handler) UpdateCoverImage(w http.ResponseWriter, r *http.Request) error {
	return h.updateImage(w, r, "coverImage", "covers",
		func(url string) storage.UserUpdate { return storage.UserUpdate{CoverImageURL: &url} },
		func(u models.User) string { return u.CoverImageURL })
}

func (h *Handler) updateImage(w http.ResponseWriter, r *http.Request, field, folder string,
	buildUpdate func(url string) storage.UserUpdate, currentURL func(models.User) string) error {
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	form, err := readMultipartForm(r, field)
	if err != nil {
		return err
	}
	upload := form.file(field)
	if upload == nil {
		return badRequest(fmt.Sprintf("%s file is required", field))
	}

	obj, err := h.uploadImage(r.Context(), folder, upload)
	if err != nil {
		return fmt.Errorf("upload %s: %w", field, err)
	}
	updated, err := h.Store.UpdateUser(r.Context(), user.ID, buildUpdate(obj.URL))
	if err != nil {
		h.discardMedia(obj)
		return err
	}

	if previous := currentURL(user); previous != "" && previous != obj.URL {
		if key := media.KeyFromURL(h.MediaConfig, previous); key != "" {
			h.discardMedia(media.Object{Key: key})
		}
	}

	writeSuccess(w, http.StatusOK, fmt.Sprintf("%s updated successfully", field), updated.Sanitized())
	return nil
}

func (h *Handler) issueSession(ctx context.Context, user models.User) (string, string, error) {
	accessToken, err := h.Tokens.IssueAccessToken(user)
	if err != nil {
		return "", "", fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err := h.Tokens.IssueRefreshToken(user)
	if err != nil {
		return "", "", fmt.Errorf("issue refresh token: %w", err)
	}
	if err := h.Store.SetRefreshToken(ctx, user.ID, refreshToken); err != nil {
		return "", "", fmt.Errorf("persist refresh token: %w", err)
	}
	return accessToken, refreshToken, nil
}

func (h *Handler) extractRefreshToken(r *http.Request) string {
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err == nil {
		return strings.TrimSpace(req.RefreshToken)
	}
	return ""
}

func (h *Handler) uploadImage(ctx context.Context, folder string, upload *imageUpload) (media.Object, error) {
	ext := path.Ext(upload.originalName)
	key := fmt.Sprintf("%s/%s%s", folder, uuid.NewString(), ext)
	obj, err := h.Media.Upload(ctx, key, upload.contentType, upload.data)
	if err != nil {
		return media.Object{}, err
	}
	// A stored object without a public URL can never be served; treat it as
	// a failed upload rather than persisting an empty link.
	if h.Media.Enabled() && obj.URL == "" {
		h.discardMedia(obj)
		return media.Object{}, errors.New("upload returned no public url")
	}
	return obj, nil
}

// discardMedia best-effort deletes an uploaded object during compensating
// cleanup. Failures are logged, not surfaced: the triggering error matters
// more than the orphaned object.
func (h *Handler) discardMedia(obj media.Object) {
	if obj.Key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Media.Delete(ctx, obj.Key); err != nil {
		h.logger().Warn("discard uploaded media failed", "key", obj.Key, "error", err)
	}
}
