package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/rangefetch/internal/logctx"
)

type accessLogKey struct{}

// accessLog collects the attributes handlers attach to the access log line of a request.
type accessLog struct {
	mu    sync.Mutex
	attrs []any
}

// AnnotateRequest adds attrs to the access log line HTTPLogging writes for the request
// carried by ctx. Outside HTTPLogging it does nothing.
func AnnotateRequest(ctx context.Context, attrs ...any) {
	entry, ok := ctx.Value(accessLogKey{}).(*accessLog)
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.attrs = append(entry.attrs, attrs...)
	entry.mu.Unlock()
}

// HTTPLogging writes one access log line per API call. The line names the chi route
// template instead of the raw path, and carries the task id and control action matched
// by the route plus anything the handler added with AnnotateRequest.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		entry := &accessLog{}
		ctx := context.WithValue(r.Context(), accessLogKey{}, entry)
		r = r.WithContext(ctx)

		rw := &meteredWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := routePattern(r)
		attrs := []any{
			"method", r.Method,
			"route", route,
			"status", rw.statusCode,
			"bytes", rw.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		// Route params are only known once the router has matched.
		if id := chi.URLParam(r, "id"); id != "" {
			attrs = append(attrs, "task_id", id)
		}

		if action := chi.URLParam(r, "action"); action != "" {
			attrs = append(attrs, "action", action)
		}

		entry.mu.Lock()
		attrs = append(attrs, entry.attrs...)
		entry.mu.Unlock()

		logctx.LoggerFromContext(ctx).Log(ctx, accessLevel(route, rw.statusCode), "api request", attrs...)
	})
}

// accessLevel picks ERROR for 5xx, WARN for 4xx and DEBUG for metric scrapes.
func accessLevel(route string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case route == "/metrics":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
