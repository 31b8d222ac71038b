package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/queue"
	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/italolelis/rangefetch/internal/telemetry"
	"github.com/italolelis/rangefetch/internal/transfer"
)

const maxRequestBody = 64 << 10

// Controller is the subset of the queue manager the API exposes.
type Controller interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (string, error)
	Control(ctx context.Context, id string, action queue.Action) error
	Remove(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (queue.TaskView, error)
	List(ctx context.Context, statuses ...storage.TaskStatus) ([]queue.TaskView, error)
	Stats(ctx context.Context) (map[storage.TaskStatus]int, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type TasksHandler struct {
	username string
	password string
	queue    Controller
}

// NewTasksHandler creates the task API. Basic auth is enforced when username is set.
func NewTasksHandler(username, password string, q Controller) *TasksHandler {
	return &TasksHandler{
		username: username,
		password: password,
		queue:    q,
	}
}

func (h *TasksHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", h.HandleStats)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.HandleSubmit)
			r.Get("/", h.HandleList)
			r.Get("/{id}", h.HandleStatus)
			r.Delete("/{id}", h.HandleRemove)
			r.Post("/{id}/{action}", h.HandleControl)
		})
	})

	return r
}

// HandleSubmit queues a new download.
func (h *TasksHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req queue.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.DebugContext(r.Context(), "failed to decode request", "err", err)
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	id, err := h.queue.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusCreated, submitResponse{ID: id})
}

// HandleList returns tasks, optionally filtered by ?status=queued,paused.
func (h *TasksHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var statuses []storage.TaskStatus

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status, ok := storage.ParseTaskStatus(strings.TrimSpace(s))
			if !ok {
				writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "unknown status " + s})

				return
			}

			statuses = append(statuses, status)
		}
	}

	tasks, err := h.queue.List(r.Context(), statuses...)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, tasks)
}

func (h *TasksHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := h.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, task)
}

// HandleControl applies pause, resume or cancel.
func (h *TasksHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	action, err := queue.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	id := chi.URLParam(r, "id")

	if err := h.queue.Control(r.Context(), id, action); err != nil {
		writeError(w, r, err)

		return
	}

	task, err := h.queue.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, task)
}

func (h *TasksHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TasksHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}

func (h *TasksHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="rangefetch"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var validationErr *transfer.ValidationError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAmbiguousID):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrInvalidTransition), errors.Is(err, storage.ErrTaskActive):
		return http.StatusConflict
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	telemetry.AnnotateRequest(r.Context(), "err", msg)

	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		msg = "internal server error"
	}

	writeJSON(w, r, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
