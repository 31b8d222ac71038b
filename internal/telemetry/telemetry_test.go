package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	// Disabled telemetry must be usable as a no-op.
	tel.RecordBytes(10)
	tel.RecordSegmentRetry("timeout")
	tel.IncrementActiveTasks()

	called := false
	err = tel.InstrumentFetch(context.Background(), "probe", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNilTelemetry_PassesErrorsThrough(t *testing.T) {
	var tel *Telemetry

	want := errors.New("boom")
	err := tel.InstrumentDBOperation(context.Background(), "save_segment", func(ctx context.Context) error {
		return want
	})
	require.ErrorIs(t, err, want)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestRequestIDAndLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestID(HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc-123", GetRequestID(r.Context()))
		w.WriteHeader(http.StatusConflict)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/x/cancel", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	req = req.WithContext(logctx.WithLogger(req.Context(), logger))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "abc-123", entry["request_id"])
	assert.EqualValues(t, http.StatusConflict, entry["status"])
	assert.Equal(t, "/api/v1/tasks/x/cancel", entry["route"])
}

func TestHTTPLogging_RouteAndTask(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(logctx.WithLogger(r.Context(), logger)))
		})
	})
	r.Use(HTTPLogging)
	r.Post("/api/v1/tasks/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		AnnotateRequest(r.Context(), "err", "cannot resume a completed task")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"x"}`))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	t.Run("task route", func(t *testing.T) {
		buf.Reset()
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks/3f2a9c1e/resume", nil))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "/api/v1/tasks/{id}/{action}", entry["route"])
		assert.Equal(t, "3f2a9c1e", entry["task_id"])
		assert.Equal(t, "resume", entry["action"])
		assert.Equal(t, "cannot resume a completed task", entry["err"])
		assert.EqualValues(t, len(`{"error":"x"}`), entry["bytes"])
		assert.NotContains(t, buf.String(), "/api/v1/tasks/3f2a9c1e/resume")
	})

	t.Run("metric scrapes log at debug", func(t *testing.T) {
		buf.Reset()
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "DEBUG", entry["level"])
		assert.NotContains(t, entry, "task_id")
	})
}

func TestAnnotateRequest_OutsideLogging(t *testing.T) {
	assert.NotPanics(t, func() { AnnotateRequest(context.Background(), "err", "x") })
}

func TestRequestID_Generated(t *testing.T) {
	var seen string

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestGetStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		302: "3xx",
		404: "4xx",
		503: "5xx",
		100: "unknown",
	}

	for code, want := range tests {
		assert.Equal(t, want, getStatusClass(code))
	}
}
