// logging.go -- Request-scoped logging helpers.
//
// Every auth log line carries the request's IP, user agent, method, path, chi
// request id and, inside a traced callback, the OpenTelemetry trace id.
// Callers must never pass codes, tokens, verifiers or raw state values.
package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
)

// reqAttrs returns standard request-scoped attributes for logging.
func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"ip", r.RemoteAddr,
		"user_agent", r.UserAgent(),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		attrs = append(attrs, "trace_id", sc.TraceID().String())
	}
	return attrs
}

func logAt(r *http.Request, level slog.Level, msg string, args []any) {
	l := slog.Default()
	if !l.Enabled(r.Context(), level) {
		return
	}
	l.Log(r.Context(), level, msg, append(reqAttrs(r), args...)...)
}

func logDebug(r *http.Request, msg string, args ...any) {
	logAt(r, slog.LevelDebug, msg, args)
}

func logInfo(r *http.Request, msg string, args ...any) {
	logAt(r, slog.LevelInfo, msg, args)
}

func logWarn(r *http.Request, msg string, args ...any) {
	logAt(r, slog.LevelWarn, msg, args)
}

func logError(r *http.Request, msg string, args ...any) {
	logAt(r, slog.LevelError, msg, args)
}

// RequestLogger writes one line per request with status and latency. Only the
// path is logged: callback queries carry authorization codes and sealed state.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logInfo(r, "request",
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
