package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Middleware returns HTTPMiddleware in the func(http.Handler) form routers
// take. Installed with chi's Use, requests are labelled with the matched
// route pattern.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return HTTPMiddleware(m, next)
	}
}

// HTTPMiddleware records request count and duration and tracks in-flight
// requests.
func HTTPMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTP(r.Method, routeLabel(r), wrapped.statusCode, time.Since(start))
	})
}

// routeLabel prefers the chi route pattern, available once the router has
// matched, and falls back to normalizePath.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			if len(pattern) > 1 {
				pattern = strings.TrimSuffix(pattern, "/")
			}
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and calls the underlying WriteHeader.
func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write ensures status code is set before writing.
func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(w.statusCode)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades pass through.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		w.statusCode = http.StatusSwitchingProtocols
		w.written = true
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}

var pathPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`^/v1/connections/[^/]+/messages$`), "/v1/connections/{id}/messages"},
	{regexp.MustCompile(`^/v1/connections/[^/]+/heartbeat$`), "/v1/connections/{id}/heartbeat"},
	{regexp.MustCompile(`^/v1/connections/[^/]+$`), "/v1/connections/{id}"},
	{regexp.MustCompile(`^/v1/components/[^/]+$`), "/v1/components/{id}"},
}

// normalizePath replaces ids in known routes with placeholders to bound label
// cardinality when no route pattern is available. Unknown paths collapse to
// "other".
func normalizePath(path string) string {
	switch path {
	case "/", "/healthz", "/readyz", "/metrics", "/ws",
		"/v1/connections", "/v1/broadcasts", "/v1/components", "/v1/components/preview":
		return path
	}

	for _, p := range pathPatterns {
		if p.re.MatchString(path) {
			return p.replacement
		}
	}
	return "other"
}
