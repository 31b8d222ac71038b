package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/rangefetch/internal/downloader"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/progress"
	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/italolelis/rangefetch/internal/transfer"
)

// MaxConnectionsPerTask bounds the connections a submission may ask for.
const MaxConnectionsPerTask = 32

// Action is a user control request.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// ParseAction validates a control action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPause, ActionResume, ActionCancel:
		return a, nil
	}

	return "", &transfer.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", s)}
}

// SubmitRequest describes a new download. Zero values take the configured defaults.
type SubmitRequest struct {
	URL         string `json:"url"`
	Directory   string `json:"directory"`
	Filename    string `json:"filename"`
	Connections int    `json:"connections"`
	Priority    int    `json:"priority"`
	// Headers are sent with the probe and every segment request of the task.
	Headers map[string]string `json:"headers,omitempty"`
}

// TaskView is a task with its current progress.
type TaskView struct {
	progress.Snapshot

	URL         string    `json:"url"`
	Directory   string    `json:"directory"`
	Filename    string    `json:"filename"`
	Connections int       `json:"connections"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}

// Submit validates and queues a download. Admission happens asynchronously; a full queue
// only delays it.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return "", ErrClosed
	}

	task, err := m.newTask(req)
	if err != nil {
		return "", err
	}

	if err := m.createTask(ctx, task); err != nil {
		return "", err
	}

	m.telemetry.RecordTaskTransition(string(storage.TaskQueued))

	logctx.LoggerFromContext(ctx).InfoContext(logctx.WithTaskID(ctx, task.ID), "task queued",
		"url", task.URL, "directory", task.Directory, "connections", task.Connections, "priority", task.Priority)

	m.notifyAdmission()

	return task.ID, nil
}

// createTask stores a new task. A requested file name gets the same "name(N).ext" treatment
// as a derived one so an existing file is never replaced.
func (m *Manager) createTask(ctx context.Context, task *storage.Task) error {
	if task.Filename != "" {
		m.claimMu.Lock()
		defer m.claimMu.Unlock()

		name, err := m.uniqueFilename(ctx, task.Directory, task.Filename)
		if err != nil {
			return fmt.Errorf("failed to choose a filename: %w", err)
		}

		if name != task.Filename {
			logctx.LoggerFromContext(ctx).InfoContext(ctx, "requested file name is taken",
				"requested", task.Filename, "filename", name)
		}

		task.Filename = name
	}

	if err := m.repo.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

func (m *Manager) newTask(req SubmitRequest) (*storage.Task, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &transfer.ValidationError{Field: "url", Reason: "must be an absolute http or https URL"}
	}

	connections := req.Connections
	if connections == 0 {
		connections = min(m.settings.MaxConnections, MaxConnectionsPerTask)
	}

	if connections < 1 || connections > MaxConnectionsPerTask {
		return nil, &transfer.ValidationError{
			Field:  "connections",
			Reason: fmt.Sprintf("must be between 1 and %d", MaxConnectionsPerTask),
		}
	}

	dir := req.Directory
	if dir == "" {
		dir = m.settings.DownloadDir
	}

	if dir == "" {
		return nil, &transfer.ValidationError{Field: "directory", Reason: "must not be empty"}
	}

	if req.Filename != "" && sanitizeFilename(req.Filename) != req.Filename {
		return nil, &transfer.ValidationError{Field: "filename", Reason: "contains characters not allowed in file names"}
	}

	if err := transfer.ValidateHeaders(req.Headers); err != nil {
		return nil, err
	}

	var headers map[string]string
	if len(req.Headers) > 0 {
		headers = maps.Clone(req.Headers)
	}

	now := m.clock.Now()

	return &storage.Task{
		ID:          uuid.NewString(),
		URL:         u.String(),
		Directory:   filepath.Clean(dir),
		Filename:    req.Filename,
		TotalSize:   storage.UnknownSize,
		Connections: connections,
		Priority:    req.Priority,
		Headers:     headers,
		Status:      storage.TaskQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Control applies a user action to the task identified by id or a unique id prefix.
func (m *Manager) Control(ctx context.Context, id string, action Action) error {
	switch action {
	case ActionPause:
		return m.Pause(ctx, id)
	case ActionResume:
		return m.Resume(ctx, id)
	case ActionCancel:
		return m.Cancel(ctx, id)
	default:
		_, err := ParseAction(string(action))

		return err
	}
}

// Pause stops a queued or running task and returns once its checkpoints are persisted.
func (m *Manager) Pause(ctx context.Context, id string) error {
	task, err := m.repo.FindTask(ctx, id)
	if err != nil {
		return err
	}

	if task.Status.IsTerminal() {
		return invalid(task, ActionPause)
	}

	if done, ok := m.signal(task.ID, ActionPause); ok {
		return wait(ctx, done)
	}

	switch task.Status {
	case storage.TaskQueued:
		return m.transition(ctx, task, storage.TaskPaused, ActionPause, storage.TaskQueued)
	case storage.TaskDownloading, storage.TaskMerging:
		// Claimed by a process that is gone; its segments are checkpointed already.
		return m.transition(ctx, task, storage.TaskPaused, ActionPause, task.Status)
	default:
		return invalid(task, ActionPause)
	}
}

// Resume queues a paused task again. Segments keep their progress; their retry budget is reset.
func (m *Manager) Resume(ctx context.Context, id string) error {
	task, err := m.repo.FindTask(ctx, id)
	if err != nil {
		return err
	}

	if task.Status != storage.TaskPaused || m.isActive(task.ID) {
		return invalid(task, ActionResume)
	}

	segments, err := m.repo.GetSegments(ctx, task.ID)
	if err != nil {
		return err
	}

	for _, s := range segments {
		if s.Status == storage.SegmentCompleted {
			continue
		}

		if s.Status == storage.SegmentFailed {
			s.Status = storage.SegmentPaused
		}

		s.RetryCount = 0
		s.LastError = ""
	}

	task.Status = storage.TaskQueued
	task.Error = ""
	task.UpdatedAt = m.clock.Now()

	err = m.repo.Transition(ctx, storage.Change{
		Task:     task,
		From:     []storage.TaskStatus{storage.TaskPaused},
		Segments: segments,
	})
	if err != nil {
		return conflict(err, task, ActionResume)
	}

	m.mu.Lock()
	delete(m.deferred, task.ID)
	m.mu.Unlock()

	m.telemetry.RecordTaskTransition(string(storage.TaskQueued))
	logctx.LoggerFromContext(ctx).InfoContext(logctx.WithTaskID(ctx, task.ID), "task resumed")

	m.notifyAdmission()

	return nil
}

// Cancel stops a task for good and removes its temp artifacts. Cancelling a task in a
// terminal status is rejected with ErrInvalidTransition and changes nothing.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	task, err := m.repo.FindTask(ctx, id)
	if err != nil {
		return err
	}

	if task.Status.IsTerminal() {
		return invalid(task, ActionCancel)
	}

	if done, ok := m.signal(task.ID, ActionCancel); ok {
		return wait(ctx, done)
	}

	if err := m.transition(ctx, task, storage.TaskCancelled, ActionCancel, task.Status); err != nil {
		return err
	}

	m.removeArtifacts(ctx, task.ID)

	return nil
}

// Remove deletes a task that is not running along with its rows and temp artifacts.
func (m *Manager) Remove(ctx context.Context, id string) error {
	task, err := m.repo.FindTask(ctx, id)
	if err != nil {
		return err
	}

	if m.isActive(task.ID) {
		return storage.ErrTaskActive
	}

	if err := m.repo.DeleteTask(ctx, task.ID); err != nil {
		return err
	}

	m.removeArtifacts(ctx, task.ID)
	m.progress.Untrack(task.ID)

	logctx.LoggerFromContext(ctx).InfoContext(logctx.WithTaskID(ctx, task.ID), "task removed")

	return nil
}

// Status returns a task and its progress.
func (m *Manager) Status(ctx context.Context, id string) (TaskView, error) {
	task, err := m.repo.FindTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}

	return m.view(ctx, task)
}

// List returns tasks with the given statuses, or all, in admission order.
func (m *Manager) List(ctx context.Context, statuses ...storage.TaskStatus) ([]TaskView, error) {
	tasks, err := m.repo.ListTasks(ctx, statuses...)
	if err != nil {
		return nil, err
	}

	views := make([]TaskView, 0, len(tasks))

	for _, task := range tasks {
		v, err := m.view(ctx, task)
		if err != nil {
			return nil, err
		}

		views = append(views, v)
	}

	return views, nil
}

// Stats counts tasks per status.
func (m *Manager) Stats(ctx context.Context) (map[storage.TaskStatus]int, error) {
	return m.repo.CountByStatus(ctx)
}

// Subscribe registers fn for throttled progress snapshots of every task.
func (m *Manager) Subscribe(fn func(progress.Snapshot)) func() {
	return m.progress.Subscribe(fn)
}

func (m *Manager) view(ctx context.Context, task *storage.Task) (TaskView, error) {
	v := TaskView{
		URL:         task.URL,
		Directory:   task.Directory,
		Filename:    task.Filename,
		Connections: task.Connections,
		Priority:    task.Priority,
		CreatedAt:   task.CreatedAt,
	}

	if snap, ok := m.progress.Snapshot(task.ID); ok && m.isActive(task.ID) {
		snap.Status = task.Status
		v.Snapshot = snap

		return v, nil
	}

	segments, err := m.repo.GetSegments(ctx, task.ID)
	if err != nil {
		return TaskView{}, err
	}

	v.Snapshot = progress.Snapshot{
		TaskID:     task.ID,
		Status:     task.Status,
		Downloaded: downloader.Downloaded(segments),
		TotalSize:  task.TotalSize,
		Segments:   make([]progress.SegmentProgress, 0, len(segments)),
		Error:      task.Error,
		UpdatedAt:  task.UpdatedAt,
	}

	for _, s := range segments {
		v.Snapshot.Segments = append(v.Snapshot.Segments, progress.SegmentProgress{
			Index:      s.Index,
			Start:      s.Start,
			End:        s.End,
			Downloaded: s.Downloaded,
			Status:     s.Status,
		})
	}

	return v, nil
}

// transition persists a control action on a task that is not running.
func (m *Manager) transition(ctx context.Context, task *storage.Task, to storage.TaskStatus, action Action, from storage.TaskStatus) error {
	task.Status = to
	task.ClaimedBy = ""
	task.UpdatedAt = m.clock.Now()

	if err := m.repo.Transition(ctx, storage.Change{Task: task, From: []storage.TaskStatus{from}}); err != nil {
		return conflict(err, task, action)
	}

	m.telemetry.RecordTaskTransition(string(to))
	m.progress.SetStatus(task.ID, to, task.Error)

	logctx.LoggerFromContext(ctx).InfoContext(logctx.WithTaskID(ctx, task.ID), "task transition", "from", from, "to", to)

	return nil
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func invalid(task *storage.Task, action Action) error {
	return fmt.Errorf("%w: cannot %s a %s task", ErrInvalidTransition, action, task.Status)
}

func conflict(err error, task *storage.Task, action Action) error {
	if errors.Is(err, storage.ErrStatusConflict) {
		return fmt.Errorf("%w: task %s changed status during %s", ErrInvalidTransition, task.ID, action)
	}

	return err
}
