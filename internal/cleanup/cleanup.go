// Package cleanup removes temp artifacts no task can resume from anymore.
package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/storage"
)

// TaskLookup resolves a task id to its persisted state.
type TaskLookup interface {
	GetTask(ctx context.Context, id string) (*storage.Task, error)
}

// SweepOrphanArtifacts deletes artifact directories under tempDir whose task is gone,
// completed or cancelled. Failed tasks keep their parts for inspection. It returns the
// number of directories removed.
func SweepOrphanArtifacts(ctx context.Context, tasks TaskLookup, tempDir string) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil // nothing downloaded yet
		}

		return 0, err
	}

	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		task, err := tasks.GetTask(ctx, entry.Name())

		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return removed, err
		case task.Status == storage.TaskCompleted, task.Status == storage.TaskCancelled:
		default:
			continue
		}

		dir := filepath.Join(tempDir, entry.Name())

		if err := os.RemoveAll(dir); err != nil {
			logger.Error("Failed to delete orphan artifacts", "dir", dir, "err", err)

			return removed, err
		}

		logger.Info("Deleted orphan artifacts", "dir", dir)

		removed++
	}

	return removed, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func Run(ctx context.Context, tasks TaskLookup, tempDir string, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	sweep := func() {
		if _, err := SweepOrphanArtifacts(ctx, tasks, tempDir); err != nil && ctx.Err() == nil {
			logger.Error("failed to sweep orphan artifacts", "err", err)
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			sweep()
		}
	}
}
