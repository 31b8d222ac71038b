package storage

import (
	"context"
	"errors"
	"path/filepath"
	"time"
)

var (
	ErrNotFound       = errors.New("task not found")
	ErrAmbiguousID    = errors.New("task id prefix matches more than one task")
	ErrStatusConflict = errors.New("task status changed concurrently")
	ErrTaskActive     = errors.New("task is active")
)

// UnknownSize marks a resource whose length the server did not report.
const UnknownSize int64 = -1

// TaskStatus is the lifecycle state of a download task.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskDownloading TaskStatus = "downloading"
	TaskPaused      TaskStatus = "paused"
	TaskMerging     TaskStatus = "merging"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// IsActive reports whether the task holds an admission slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskDownloading || s == TaskMerging
}

// ParseTaskStatus validates s against the known statuses.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch st := TaskStatus(s); st {
	case TaskQueued, TaskDownloading, TaskPaused, TaskMerging, TaskCompleted, TaskFailed, TaskCancelled:
		return st, true
	}

	return "", false
}

// SegmentStatus is the state of one byte range of a task.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentActive    SegmentStatus = "active"
	SegmentCompleted SegmentStatus = "completed"
	SegmentFailed    SegmentStatus = "failed"
	SegmentPaused    SegmentStatus = "paused"
)

// Task is one requested download.
type Task struct {
	ID          string
	URL         string
	Directory   string
	Filename    string
	TotalSize   int64
	Connections int
	Priority    int
	Status      TaskStatus
	Error       string
	// Headers are extra request headers sent with the probe and every segment request.
	Headers map[string]string
	// AcceptsRanges and ETag are what the last probe reported; a resumed task is
	// replanned when the server disagrees.
	AcceptsRanges bool
	ETag          string
	ClaimedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Path is the final output location.
func (t *Task) Path() string {
	return filepath.Join(t.Directory, t.Filename)
}

// Segment is an inclusive byte range [Start, End] of a task.
// An open ended segment (unknown resource size) streams until EOF; End is fixed when it completes.
type Segment struct {
	TaskID     string
	Index      int
	Start      int64
	End        int64
	OpenEnded  bool
	Downloaded int64
	Status     SegmentStatus
	RetryCount int
	LastError  string
}

// Size is the range length, or UnknownSize for an open ended segment.
func (s *Segment) Size() int64 {
	if s.OpenEnded {
		return UnknownSize
	}

	return s.End - s.Start + 1
}

// Remaining is the number of bytes still to fetch, or UnknownSize.
func (s *Segment) Remaining() int64 {
	if s.OpenEnded {
		return UnknownSize
	}

	return s.Size() - s.Downloaded
}

// Offset is the absolute resource offset the next byte belongs to.
func (s *Segment) Offset() int64 {
	return s.Start + s.Downloaded
}

// Clone returns an independent copy.
func (s *Segment) Clone() *Segment {
	c := *s
	return &c
}

// Change is one atomic state transition: the task row is updated only if its current
// status is one of From, and the segment rows commit in the same transaction.
type Change struct {
	Task     *Task
	From     []TaskStatus
	Segments []*Segment
	// ReplaceSegments deletes every existing segment row of the task before writing Segments.
	ReplaceSegments bool
}

// TaskRepository is the transactional persistence handle for tasks and segments.
type TaskRepository interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// FindTask resolves a full id or a unique id prefix.
	FindTask(ctx context.Context, idOrPrefix string) (*Task, error)
	// ListTasks returns tasks in admission order: priority descending, then insertion order.
	ListTasks(ctx context.Context, statuses ...TaskStatus) ([]*Task, error)
	GetSegments(ctx context.Context, taskID string) ([]*Segment, error)
	// ClaimTask moves a Queued task to Downloading and writes its segments, provided fewer
	// than maxActive tasks are active. It reports false when the task is no longer Queued
	// or the limit is reached.
	ClaimTask(ctx context.Context, c Change, maxActive int) (bool, error)
	// Transition applies c or fails with ErrStatusConflict.
	Transition(ctx context.Context, c Change) error
	SaveSegment(ctx context.Context, s *Segment) error
	// DeleteTask removes a task that is not active along with its segments.
	DeleteTask(ctx context.Context, id string) error
	// RecoverInterrupted pauses every task an earlier process left active and returns their count.
	RecoverInterrupted(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context) (map[TaskStatus]int, error)
}
