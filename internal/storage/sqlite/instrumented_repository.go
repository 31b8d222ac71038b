package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/italolelis/rangefetch/internal/telemetry"
)

// InstrumentedTaskRepository wraps TaskRepository with telemetry.
type InstrumentedTaskRepository struct {
	repo      *TaskRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTaskRepository creates a new instrumented task repository.
func NewInstrumentedTaskRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTaskRepository {
	return &InstrumentedTaskRepository{
		repo:      NewTaskRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedTaskRepository) CreateTask(ctx context.Context, t *storage.Task) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_task", func(ctx context.Context) error {
		return r.repo.CreateTask(ctx, t)
	})
}

func (r *InstrumentedTaskRepository) GetTask(ctx context.Context, id string) (*storage.Task, error) {
	var result *storage.Task

	err := r.telemetry.InstrumentDBOperation(ctx, "get_task", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetTask(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedTaskRepository) FindTask(ctx context.Context, idOrPrefix string) (*storage.Task, error) {
	var result *storage.Task

	err := r.telemetry.InstrumentDBOperation(ctx, "find_task", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FindTask(ctx, idOrPrefix)

		return err
	})

	return result, err
}

func (r *InstrumentedTaskRepository) ListTasks(ctx context.Context, statuses ...storage.TaskStatus) ([]*storage.Task, error) {
	var result []*storage.Task

	err := r.telemetry.InstrumentDBOperation(ctx, "list_tasks", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListTasks(ctx, statuses...)

		return err
	})

	return result, err
}

func (r *InstrumentedTaskRepository) GetSegments(ctx context.Context, taskID string) ([]*storage.Segment, error) {
	var result []*storage.Segment

	err := r.telemetry.InstrumentDBOperation(ctx, "get_segments", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetSegments(ctx, taskID)

		return err
	})

	return result, err
}

func (r *InstrumentedTaskRepository) ClaimTask(ctx context.Context, c storage.Change, maxActive int) (bool, error) {
	var claimed bool

	err := r.telemetry.InstrumentDBOperation(ctx, "claim_task", func(ctx context.Context) error {
		var err error
		claimed, err = r.repo.ClaimTask(ctx, c, maxActive)

		return err
	})

	return claimed, err
}

func (r *InstrumentedTaskRepository) Transition(ctx context.Context, c storage.Change) error {
	return r.telemetry.InstrumentDBOperation(ctx, "transition", func(ctx context.Context) error {
		return r.repo.Transition(ctx, c)
	})
}

func (r *InstrumentedTaskRepository) SaveSegment(ctx context.Context, s *storage.Segment) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_segment", func(ctx context.Context) error {
		return r.repo.SaveSegment(ctx, s)
	})
}

func (r *InstrumentedTaskRepository) DeleteTask(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_task", func(ctx context.Context) error {
		return r.repo.DeleteTask(ctx, id)
	})
}

func (r *InstrumentedTaskRepository) RecoverInterrupted(ctx context.Context) (int, error) {
	var n int

	err := r.telemetry.InstrumentDBOperation(ctx, "recover_interrupted", func(ctx context.Context) error {
		var err error
		n, err = r.repo.RecoverInterrupted(ctx)

		return err
	})

	return n, err
}

func (r *InstrumentedTaskRepository) CountByStatus(ctx context.Context) (map[storage.TaskStatus]int, error) {
	var result map[storage.TaskStatus]int

	err := r.telemetry.InstrumentDBOperation(ctx, "count_by_status", func(ctx context.Context) error {
		var err error
		result, err = r.repo.CountByStatus(ctx)

		return err
	})

	return result, err
}

var _ storage.TaskRepository = (*InstrumentedTaskRepository)(nil)
var _ storage.TaskRepository = (*TaskRepository)(nil)
