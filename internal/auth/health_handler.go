// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"errors"
	"net/http"

	"github.com/temto-app/auth/internal/store"
)

// CheckHealth handles GET /health: pings Postgres and the session cache, returns
// per-dependency status and the number of enabled providers.
// Returns 200 if Postgres and the cache are healthy, 503 if either is down.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "ok"
	postgresStatus := "ok"

	if err := h.RS.CheckHealth(r.Context()); err != nil {
		if errors.Is(err, store.ErrCacheDisabled) {
			redisStatus = "disabled"
		} else {
			logError(r, "redis health check failed", "error", err)
			redisStatus = "error"
		}
	}
	if err := h.PS.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		postgresStatus = "error"
	}

	enabled := 0
	for _, p := range h.Providers.All() {
		if p.Enabled() {
			enabled++
		}
	}

	status := http.StatusOK
	if redisStatus == "error" || postgresStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres  string `json:"postgres"`
		Redis     string `json:"redis"`
		Providers int    `json:"providers_enabled"`
	}{postgresStatus, redisStatus, enabled})
}
