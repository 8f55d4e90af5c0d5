package util

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// responseMeter captures what the handler wrote.
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *responseMeter) WriteHeader(code int) {
	if m.status == 0 {
		m.status = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(p []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(p)
	m.bytes += n
	return n, err
}

// WithRequestLog emits one "http_request" record per request through the
// request-scoped logger. Run it inside WithRequestID so records carry
// request_id.
func WithRequestLog(service string, trusted *TrustedProxies, next http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meter := &responseMeter{ResponseWriter: w}
		next.ServeHTTP(meter, r)
		if meter.status == 0 {
			meter.status = http.StatusOK
		}

		level := slog.LevelInfo
		if meter.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		LoggerFromContext(r.Context()).Log(r.Context(), level, "http_request",
			"component", service,
			"method", r.Method,
			"path", r.URL.Path,
			"status", meter.status,
			"bytes", meter.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", ClientIP(r, trusted),
		)
	})
}
