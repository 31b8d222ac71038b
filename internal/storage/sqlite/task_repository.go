package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/rangefetch/internal/storage"
)

const taskColumns = `id, url, directory, filename, total_size, connections, priority, status, error,
	accepts_ranges, etag, headers, claimed_by, created_at, updated_at`

const segmentColumns = `task_id, idx, start_offset, end_offset, open_ended, downloaded, status, retry_count, last_error`

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(dbConn *sql.DB) *TaskRepository {
	return &TaskRepository{db: dbConn}
}

func (r *TaskRepository) CreateTask(ctx context.Context, t *storage.Task) error {
	headers, err := encodeHeaders(t.Headers)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.URL, t.Directory, t.Filename, t.TotalSize, t.Connections, t.Priority, string(t.Status), t.Error,
		t.AcceptsRanges, t.ETag, headers, t.ClaimedBy, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

func (r *TaskRepository) GetTask(ctx context.Context, id string) (*storage.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return t, err
}

func (r *TaskRepository) FindTask(ctx context.Context, idOrPrefix string) (*storage.Task, error) {
	if idOrPrefix == "" {
		return nil, storage.ErrNotFound
	}

	t, err := r.GetTask(ctx, idOrPrefix)
	if !errors.Is(err, storage.ErrNotFound) {
		return t, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE substr(id, 1, ?) = ? LIMIT 2`,
		len(idOrPrefix), idOrPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query task prefix: %w", err)
	}
	defer rows.Close()

	matches, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, storage.ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, storage.ErrAmbiguousID
	}
}

func (r *TaskRepository) ListTasks(ctx context.Context, statuses ...storage.TaskStatus) ([]*storage.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`

	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`

		for _, s := range statuses {
			args = append(args, string(s))
		}
	}

	query += ` ORDER BY priority DESC, seq ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

func (r *TaskRepository) GetSegments(ctx context.Context, taskID string) ([]*storage.Segment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE task_id = ? ORDER BY idx`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []*storage.Segment

	for rows.Next() {
		var (
			s      storage.Segment
			status string
		)

		if err := rows.Scan(&s.TaskID, &s.Index, &s.Start, &s.End, &s.OpenEnded, &s.Downloaded, &status,
			&s.RetryCount, &s.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}

		s.Status = storage.SegmentStatus(status)
		segments = append(segments, &s)
	}

	return segments, rows.Err()
}

// ClaimTask atomically sets status to 'downloading' if the task is still queued and the
// number of active tasks is below maxActive, then writes its segments in the same transaction.
func (r *TaskRepository) ClaimTask(ctx context.Context, c storage.Change, maxActive int) (bool, error) {
	claimed := false

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		t := c.Task

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET
				status = ?, filename = ?, total_size = ?, accepts_ranges = ?, etag = ?, claimed_by = ?, error = '', updated_at = ?
			WHERE id = ? AND status = ?
				AND (SELECT COUNT(*) FROM tasks WHERE status IN (?, ?)) < ?`,
			string(storage.TaskDownloading), t.Filename, t.TotalSize, t.AcceptsRanges, t.ETag, t.ClaimedBy,
			formatTime(t.UpdatedAt), t.ID, string(storage.TaskQueued),
			string(storage.TaskDownloading), string(storage.TaskMerging), maxActive,
		)
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if affected == 0 {
			return nil
		}

		if err := writeSegments(ctx, tx, t.ID, c.Segments, c.ReplaceSegments); err != nil {
			return err
		}

		claimed = true

		return nil
	})
	if err != nil {
		return false, err
	}

	if claimed {
		c.Task.Status = storage.TaskDownloading
		c.Task.Error = ""
	}

	return claimed, nil
}

func (r *TaskRepository) Transition(ctx context.Context, c storage.Change) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		t := c.Task

		query := `UPDATE tasks SET
				status = ?, filename = ?, total_size = ?, accepts_ranges = ?, etag = ?, claimed_by = ?, error = ?, updated_at = ?
			WHERE id = ?`
		args := []any{
			string(t.Status), t.Filename, t.TotalSize, t.AcceptsRanges, t.ETag, t.ClaimedBy, t.Error,
			formatTime(t.UpdatedAt), t.ID,
		}

		if len(c.From) > 0 {
			query += ` AND status IN (` + placeholders(len(c.From)) + `)`

			for _, s := range c.From {
				args = append(args, string(s))
			}
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if affected == 0 {
			return r.missingOrConflict(ctx, tx, t.ID)
		}

		return writeSegments(ctx, tx, t.ID, c.Segments, c.ReplaceSegments)
	})
}

func (r *TaskRepository) SaveSegment(ctx context.Context, s *storage.Segment) error {
	_, err := r.db.ExecContext(ctx, `UPDATE segments SET
			end_offset = ?, open_ended = ?, downloaded = ?, status = ?, retry_count = ?, last_error = ?
		WHERE task_id = ? AND idx = ?`,
		s.End, s.OpenEnded, s.Downloaded, string(s.Status), s.RetryCount, s.LastError, s.TaskID, s.Index,
	)
	if err != nil {
		return fmt.Errorf("failed to save segment %d: %w", s.Index, err)
	}

	return nil
}

func (r *TaskRepository) DeleteTask(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND status NOT IN (?, ?)`,
			id, string(storage.TaskDownloading), string(storage.TaskMerging))
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if affected == 0 {
			err := r.missingOrConflict(ctx, tx, id)
			if errors.Is(err, storage.ErrStatusConflict) {
				return storage.ErrTaskActive
			}

			return err
		}

		// Foreign key cascade covers this too; explicit delete keeps it independent of the pragma.
		_, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE task_id = ?`, id)

		return err
	})
}

// RecoverInterrupted resets tasks left downloading or merging by a previous process to paused,
// and their active or pending segments to paused. It only depends on persisted rows.
func (r *TaskRepository) RecoverInterrupted(ctx context.Context) (int, error) {
	var recovered int64

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE segments SET status = ?
			WHERE status IN (?, ?) AND task_id IN (SELECT id FROM tasks WHERE status IN (?, ?))`,
			string(storage.SegmentPaused), string(storage.SegmentActive), string(storage.SegmentPending),
			string(storage.TaskDownloading), string(storage.TaskMerging),
		)
		if err != nil {
			return fmt.Errorf("failed to reset segments: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, claimed_by = '', updated_at = ? WHERE status IN (?, ?)`,
			string(storage.TaskPaused), formatTime(time.Now()),
			string(storage.TaskDownloading), string(storage.TaskMerging),
		)
		if err != nil {
			return fmt.Errorf("failed to reset tasks: %w", err)
		}

		recovered, err = res.RowsAffected()

		return err
	})

	return int(recovered), err
}

func (r *TaskRepository) CountByStatus(ctx context.Context) (map[storage.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[storage.TaskStatus]int)

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}

		counts[storage.TaskStatus(status)] = n
	}

	return counts, rows.Err()
}

func (r *TaskRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

func (r *TaskRepository) missingOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}

	if n == 0 {
		return storage.ErrNotFound
	}

	return storage.ErrStatusConflict
}

func writeSegments(ctx context.Context, tx *sql.Tx, taskID string, segments []*storage.Segment, replace bool) error {
	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("failed to clear segments: %w", err)
		}
	}

	for _, s := range segments {
		_, err := tx.ExecContext(ctx, `INSERT INTO segments (`+segmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, idx) DO UPDATE SET
				start_offset = excluded.start_offset,
				end_offset = excluded.end_offset,
				open_ended = excluded.open_ended,
				downloaded = excluded.downloaded,
				status = excluded.status,
				retry_count = excluded.retry_count,
				last_error = excluded.last_error`,
			taskID, s.Index, s.Start, s.End, s.OpenEnded, s.Downloaded, string(s.Status), s.RetryCount, s.LastError,
		)
		if err != nil {
			return fmt.Errorf("failed to write segment %d: %w", s.Index, err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*storage.Task, error) {
	var (
		t                    storage.Task
		status, headers      string
		createdAt, updatedAt string
	)

	err := row.Scan(&t.ID, &t.URL, &t.Directory, &t.Filename, &t.TotalSize, &t.Connections, &t.Priority, &status,
		&t.Error, &t.AcceptsRanges, &t.ETag, &headers, &t.ClaimedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if t.Headers, err = decodeHeaders(headers); err != nil {
		return nil, err
	}

	t.Status = storage.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*storage.Task, error) {
	var tasks []*storage.Task

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// encodeHeaders stores request headers as a JSON object.
func encodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}

	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode headers: %w", err)
	}

	return string(b), nil
}

// decodeHeaders returns nil for a task without headers.
func decodeHeaders(v string) (map[string]string, error) {
	var h map[string]string
	if err := json.Unmarshal([]byte(v), &h); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}

	if len(h) == 0 {
		return nil, nil
	}

	return h, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
