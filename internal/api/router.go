package api

import (
	"net/http"

	"github.com/mouse256/alfen-mqtt/internal/health"
)

// NewRouter registers the REST, health and metrics endpoints.
func NewRouter(h *APIHandler, mw *Middleware, checker *health.HealthChecker, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", checker.HealthHandler)
	mux.HandleFunc("/health/live", checker.LivenessHandler)
	mux.HandleFunc("/health/ready", checker.ReadinessHandler)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	mux.HandleFunc("/api/points", mw.Public(h.GetPointsHandler))
	mux.HandleFunc("/api/points/value", mw.Public(h.GetPointValueHandler))
	mux.HandleFunc("/api/snapshot", mw.Public(h.GetSnapshotHandler))
	mux.HandleFunc("/api/devices", mw.Public(h.GetDevicesHandler))
	mux.HandleFunc("/api/jobs", mw.Public(h.GetJobsHandler))
	mux.HandleFunc("/api/stats", mw.Public(h.GetStatsHandler))
	mux.HandleFunc("/api/topics", mw.Public(h.TopicsOverviewHandler))

	mux.HandleFunc("/api/commands", mw.Secure(h.CreateCommandHandler))
	mux.HandleFunc("/api/reload", mw.Secure(h.ReloadHandler))

	return mux
}
