package api

import "net/http"

type healthCheck struct {
	Component string `json:"component"`
	Status    string `json:"status"`
}

type healthResponse struct {
	Status string        `json:"status"`
	Checks []healthCheck `json:"checks"`
}

// Health reports liveness plus the state of the persistence backend. A
// failing store degrades the overall status but still answers 200 so load
// balancers keep the instance for diagnosis.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := []healthCheck{}
	if h.Store != nil {
		storeStatus := "ok"
		if err := h.Store.Ping(r.Context()); err != nil {
			storeStatus = "unavailable"
			status = "degraded"
		}
		checks = append(checks, healthCheck{Component: "store", Status: storeStatus})
	}
	mediaStatus := "disabled"
	if h.Media != nil && h.Media.Enabled() {
		mediaStatus = "ok"
	}
	checks = append(checks, healthCheck{Component: "media", Status: mediaStatus})
	writeJSON(w, http.StatusOK, healthResponse{Status: status, Checks: checks})
}
