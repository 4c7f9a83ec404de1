// Package health provides health check functionality for the service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status values reported by checks and the overall response.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Checker interface defines a component that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck implements Checker.
func (f CheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

type registration struct {
	checker  Checker
	critical bool
}

// HealthChecker manages health checks for the service.
type HealthChecker struct {
	config    Config
	checks    map[string]registration
	mu        sync.RWMutex
	statuses  map[string]*CheckStatus
	startedAt time.Time
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus represents the status of a single health check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// HealthResponse represents the full health response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
}

// NewChecker creates a new health checker.
func NewChecker(config Config) *HealthChecker {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}

	return &HealthChecker{
		config:    config,
		checks:    make(map[string]registration),
		statuses:  make(map[string]*CheckStatus),
		startedAt: time.Now(),
	}
}

// AddCheck registers a critical health check. A failing critical check makes
// the service unhealthy and not ready.
func (h *HealthChecker) AddCheck(name string, checker Checker) {
	h.add(name, checker, true)
}

// AddDegradedCheck registers a check whose failure only degrades the service.
func (h *HealthChecker) AddDegradedCheck(name string, checker Checker) {
	h.add(name, checker, false)
}

func (h *HealthChecker) add(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registration{checker: checker, critical: critical}
	h.statuses[name] = &CheckStatus{
		Name:     name,
		Status:   StatusUnknown,
		Critical: critical,
	}
}

// Check performs all health checks and returns the overall status.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	h.mu.RLock()
	checks := make(map[string]registration, len(h.checks))
	for name, reg := range h.checks {
		checks[name] = reg
	}
	h.mu.RUnlock()

	response := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Checks:    make(map[string]*CheckStatus),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, reg := range checks {
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
			defer cancel()

			status := &CheckStatus{
				Name:      name,
				Critical:  reg.critical,
				Status:    StatusHealthy,
				LastCheck: time.Now(),
			}
			if err := reg.checker.HealthCheck(checkCtx); err != nil {
				status.Error = err.Error()
				status.Status = StatusDegraded
				if reg.critical {
					status.Status = StatusUnhealthy
				}
			}

			mu.Lock()
			response.Checks[name] = status
			response.Status = worse(response.Status, status.Status)
			mu.Unlock()
		}(name, reg)
	}

	wg.Wait()

	h.mu.Lock()
	for name, status := range response.Checks {
		h.statuses[name] = status
	}
	h.mu.Unlock()

	return response
}

func worse(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// HealthHandler reports every check. Degraded still answers 200.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	writeJSON(w, statusCode(response), response)
}

// LivenessHandler returns 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	response := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, response)
}

// ReadinessHandler returns 200 unless a critical check fails.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	writeJSON(w, statusCode(response), response)
}

// Statuses returns the cached result of every check, sorted by name.
func (h *HealthChecker) Statuses() []CheckStatus {
	h.mu.RLock()
	out := make([]CheckStatus, 0, len(h.statuses))
	for _, s := range h.statuses {
		out = append(out, *s)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func statusCode(response *HealthResponse) int {
	if response.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
