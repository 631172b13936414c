package ingest

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"logwarden/internal/config"
)

// WithMiddleware wraps the handler with the standard chain. Outermost
// first: recovery, request logging, CORS, rate limiting.
func WithMiddleware(handler http.Handler, cfg *config.Config) http.Handler {
	// Apply middleware in reverse order (last applied runs first)
	h := handler

	if cfg.RateLimit.Enabled {
		h = rateLimitMiddleware(h, cfg.RateLimit)
	}

	if cfg.CORS.Enabled {
		h = corsMiddleware(h, cfg.CORS)
	}

	h = loggingMiddleware(h)
	h = recoveryMiddleware(h)

	return h
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// corsMiddleware applies the configured CORS headers and answers
// preflight requests with 204 and no body.
func corsMiddleware(next http.Handler, corsCfg config.CORSConfig) http.Handler {
	origins := strings.Join(corsCfg.AllowedOrigins, ", ")
	methods := strings.Join(corsCfg.AllowedMethods, ", ")
	headers := strings.Join(corsCfg.AllowedHeaders, ", ")
	exposed := strings.Join(corsCfg.ExposedHeaders, ", ")
	maxAge := strconv.Itoa(corsCfg.MaxAge)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origins != "" {
			w.Header().Set("Access-Control-Allow-Origin", origins)
		}
		if methods != "" {
			w.Header().Set("Access-Control-Allow-Methods", methods)
		}
		if headers != "" {
			w.Header().Set("Access-Control-Allow-Headers", headers)
		}
		if exposed != "" {
			w.Header().Set("Access-Control-Expose-Headers", exposed)
		}
		if corsCfg.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", maxAge)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
