// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/autopilot/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// normalizeEndpoint collapses path parameters so label cardinality stays bounded.
func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/tasks/"):
		parts := strings.Split(strings.TrimPrefix(path, "/api/tasks/"), "/")
		switch {
		case len(parts) == 1 && parts[0] != "":
			return "/api/tasks/:id"
		case len(parts) == 2 && (parts[1] == "plan" || parts[1] == "execute"):
			return "/api/tasks/:id/" + parts[1]
		}

		return path
	case strings.HasPrefix(path, "/api/approvals/") && !strings.Contains(path[len("/api/approvals/"):], "/"):
		return "/api/approvals/:id"
	case strings.HasPrefix(path, "/api/cron/"):
		return "/api/cron/:job"
	case strings.HasPrefix(path, "/api/dashboard/skills/"):
		return "/api/dashboard/skills/:skill"
	default:
		return path
	}
}
