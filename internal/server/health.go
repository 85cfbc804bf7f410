package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

var startTime = time.Now()

// healthBody is the /health response payload.
type healthBody struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// registerHealth mounts a plain liveness endpoint at /health directly on the
// chi router (not through huma) so it stays reachable even if the admin API
// layer is misconfigured.
func registerHealth(router chi.Router, version string) {
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := healthBody{
			Status:  "ok",
			Version: version,
			Uptime:  time.Since(startTime).String(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(body)
	})
}
