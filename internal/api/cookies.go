package api

import (
	"net/http"
	"strings"
	"time"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
)

type CookieSecureMode int

const (
	CookieSecureAuto CookieSecureMode = iota
	CookieSecureAlways
)

// CookiePolicy controls the attributes applied to the token cookies.
type CookiePolicy struct {
	SameSite   http.SameSite
	SecureMode CookieSecureMode
}

func DefaultCookiePolicy() CookiePolicy {
	return CookiePolicy{
		SameSite:   http.SameSiteStrictMode,
		SecureMode: CookieSecureAuto,
	}
}

func (p CookiePolicy) secure(r *http.Request) bool {
	if p.SecureMode == CookieSecureAlways {
		return true
	}
	return isSecureRequest(r)
}

func (h *Handler) cookiePolicy() CookiePolicy {
	policy := h.CookiePolicy
	if policy.SameSite == 0 {
		policy.SameSite = http.SameSiteStrictMode
	}
	return policy
}

func setTokenCookie(w http.ResponseWriter, r *http.Request, name, token string, ttl time.Duration, policy CookiePolicy) {
	if token == "" {
		return
	}
	expires := time.Now().Add(ttl)
	maxAge := int(ttl.Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   policy.secure(r),
		SameSite: policy.SameSite,
	})
}

func clearTokenCookie(w http.ResponseWriter, r *http.Request, name string, policy CookiePolicy) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   policy.secure(r),
		SameSite: policy.SameSite,
	})
}

// setSessionCookies writes both token cookies with lifetimes matching the
// tokens themselves.
func (h *Handler) setSessionCookies(w http.ResponseWriter, r *http.Request, accessToken, refreshToken string) {
	policy := h.cookiePolicy()
	setTokenCookie(w, r, accessTokenCookie, accessToken, h.Tokens.AccessTokenTTL(), policy)
	setTokenCookie(w, r, refreshTokenCookie, refreshToken, h.Tokens.RefreshTokenTTL(), policy)
}

// clearSessionCookies removes both token cookies from the response.
func (h *Handler) clearSessionCookies(w http.ResponseWriter, r *http.Request) {
	policy := h.cookiePolicy()
	clearTokenCookie(w, r, accessTokenCookie, policy)
	clearTokenCookie(w, r, refreshTokenCookie, policy)
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	if r.URL != nil && strings.EqualFold(r.URL.Scheme, "https") {
		return true
	}
	return false
}
