package api

import "net/http"

// Routes registers the user endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/users/register", methodOnly(http.MethodPost, h.handle(h.Register)))
	mux.HandleFunc("/api/v1/users/login", methodOnly(http.MethodPost, h.handle(h.Login)))
	mux.HandleFunc("/api/v1/users/refresh-token", methodOnly(http.MethodPost, h.handle(h.RefreshSession)))
	mux.HandleFunc("/api/v1/users/logout", methodOnly(http.MethodPost, h.RequireAuth(h.Logout)))
	mux.HandleFunc("/api/v1/users/change-password", methodOnly(http.MethodPost, h.RequireAuth(h.ChangePassword)))
	mux.HandleFunc("/api/v1/users/current-user", methodOnly(http.MethodGet, h.RequireAuth(h.CurrentUser)))
	mux.HandleFunc("/api/v1/users/update-details", methodOnly(http.MethodPatch, h.RequireAuth(h.UpdateAccount)))
	mux.HandleFunc("/api/v1/users/update-avatar", methodOnly(http.MethodPatch, h.RequireAuth(h.UpdateAvatar)))
	mux.HandleFunc("/api/v1/users/update-cover-image", methodOnly(http.MethodPatch, h.RequireAuth(h.UpdateCoverImage)))
}

func methodOnly(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeJSON(w, http.StatusMethodNotAllowed, envelope{
				Success: false,
				Message: "method " + r.Method + " not allowed",
			})
			return
		}
		next(w, r)
	}
}
