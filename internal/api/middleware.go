// Package api provides the REST surface of the bridge.
package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mouse256/alfen-mqtt/internal/adapter/config"
	"github.com/mouse256/alfen-mqtt/pkg/logging"
	"github.com/rs/zerolog"
)

// Middleware wraps an http.Handler with security checks.
type Middleware struct {
	config config.APIConfig
	logger zerolog.Logger
}

// NewMiddleware creates a new middleware with the given configuration.
func NewMiddleware(cfg config.APIConfig, logger zerolog.Logger) *Middleware {
	return &Middleware{
		config: cfg,
		logger: logger.With().Str("component", "api-middleware").Logger(),
	}
}

// authorized checks the API key in the header or query.
func (m *Middleware) authorized(r *http.Request) bool {
	if !m.config.AuthEnabled {
		return true
	}
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	return apiKey != "" && apiKey == m.config.APIKey
}

// CORS adds CORS headers based on configuration.
// Returns true if this was a preflight request that was handled.
func (m *Middleware) CORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowed := false
	allowedOrigin := ""

	if len(m.config.AllowedOrigins) == 0 {
		allowed = true
		allowedOrigin = "*"
	} else {
		for _, o := range m.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				allowedOrigin = origin
				break
			}
		}
	}

	if !allowed {
		m.logger.Warn().
			Str("origin", origin).
			Msg("CORS: origin not allowed")
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}

	return false
}

// Secure guards mutating endpoints: CORS, body limit, API key and read-only mode.
func (m *Middleware) Secure(next http.HandlerFunc) http.HandlerFunc {
	return m.logged(func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}

		if m.config.MaxRequestBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.config.MaxRequestBodySize)
		}

		if !m.authorized(r) {
			m.logger.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("Authentication failed")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if m.config.ReadOnly && r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, http.StatusForbidden, "api is read-only")
			return
		}

		next(w, r)
	})
}

// Public applies CORS and the API key but never the read-only gate.
func (m *Middleware) Public(next http.HandlerFunc) http.HandlerFunc {
	return m.logged(func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}
		if !m.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (m *Middleware) logged(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		reqLogger := logging.WithRequestContext(m.logger, requestID, r.Method, r.URL.Path)
		reqLogger.Debug().
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	}
}
