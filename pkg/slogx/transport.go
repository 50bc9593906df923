package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/appsdk/pkg/idx"
)

// RequestIDHeader carries the request ID to the server.
const RequestIDHeader = "X-Request-ID"

// Transport returns a RoundTripper that stamps every outgoing request
// with a request ID and logs the call once it completes. Calls log
// through the request context's logger when one is attached (see
// WithContext), otherwise through base. A nil next means
// http.DefaultTransport.
func Transport(base *slog.Logger, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &transport{base: base, next: next}
}

type transport struct {
	base *slog.Logger
	next http.RoundTripper
}

func (t *transport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = idx.New().String()
		r = r.Clone(r.Context())
		r.Header.Set(RequestIDHeader, reqID)
	}

	logger := t.base
	if l, ok := loggerFrom(r.Context()); ok {
		logger = l
	}
	logger = logger.With(
		"req_id", reqID,
		"method", r.Method,
		"host", r.URL.Host,
		"path", r.URL.Path,
	)

	resp, err := t.next.RoundTrip(r)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		logger.Warn("http_call", "error", err, "duration_ms", duration)
		return nil, err
	}

	level := slog.LevelInfo
	if resp.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(r.Context(), level, "http_call",
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
