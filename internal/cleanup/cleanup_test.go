package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lookupFunc func(ctx context.Context, id string) (*storage.Task, error)

func (f lookupFunc) GetTask(ctx context.Context, id string) (*storage.Task, error) {
	return f(ctx, id)
}

func TestSweepOrphanArtifacts(t *testing.T) {
	tempDir := t.TempDir()

	statuses := map[string]storage.TaskStatus{
		"paused":    storage.TaskPaused,
		"active":    storage.TaskDownloading,
		"failed":    storage.TaskFailed,
		"completed": storage.TaskCompleted,
		"cancelled": storage.TaskCancelled,
	}

	for _, id := range []string{"paused", "active", "failed", "completed", "cancelled", "gone"} {
		dir := filepath.Join(tempDir, id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "0.part"), []byte("data"), 0o644))
	}

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "stray-file"), nil, 0o644))

	lookup := lookupFunc(func(_ context.Context, id string) (*storage.Task, error) {
		status, ok := statuses[id]
		if !ok {
			return nil, storage.ErrNotFound
		}

		return &storage.Task{ID: id, Status: status}, nil
	})

	removed, err := SweepOrphanArtifacts(context.Background(), lookup, tempDir)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	for id, want := range map[string]bool{
		"paused": true, "active": true, "failed": true,
		"completed": false, "cancelled": false, "gone": false,
	} {
		_, err := os.Stat(filepath.Join(tempDir, id))
		assert.Equal(t, want, err == nil, id)
	}

	_, err = os.Stat(filepath.Join(tempDir, "stray-file"))
	assert.NoError(t, err, "only directories are swept")
}

func TestSweepOrphanArtifacts_MissingTempDir(t *testing.T) {
	removed, err := SweepOrphanArtifacts(context.Background(), nil, filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSweepOrphanArtifacts_LookupError(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tempDir, "x"), 0o755))

	boom := errors.New("db down")
	lookup := lookupFunc(func(context.Context, string) (*storage.Task, error) { return nil, boom })

	_, err := SweepOrphanArtifacts(context.Background(), lookup, tempDir)
	require.ErrorIs(t, err, boom)

	_, err = os.Stat(filepath.Join(tempDir, "x"))
	assert.NoError(t, err)
}
