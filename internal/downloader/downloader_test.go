package downloader

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/rangefetch/internal/clock"
	"github.com/italolelis/rangefetch/internal/retry"
	"github.com/italolelis/rangefetch/internal/segment"
	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/italolelis/rangefetch/internal/testutil"
	"github.com/italolelis/rangefetch/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	saves int
}

func (m *memStore) SaveSegment(context.Context, *storage.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++

	return nil
}

func newManager(t *testing.T, maxRetries int) (*Manager, string) {
	t.Helper()

	dir := t.TempDir()
	client := transfer.NewClient(transfer.Options{ReadTimeout: 5 * time.Second})

	return NewManager(client, &memStore{}, NewHostLimiter(0), Config{
		TempDir:   dir,
		ChunkSize: 512,
		Retry:     retry.Policy{MaxRetries: maxRetries, BaseDelay: time.Second, Multiplier: 2},
		Clock:     clock.NewManual(time.Unix(0, 0)),
	}, nil), dir
}

func newTask(url string, size int64, connections int) *storage.Task {
	return &storage.Task{ID: "task", URL: url, TotalSize: size, Connections: connections, Status: storage.TaskDownloading}
}

func TestManager_CompletesAllSegments(t *testing.T) {
	data := testutil.GenerateData(40_000)
	srv := testutil.NewRangeServer(t, data)
	m, dir := newManager(t, 3)

	task := newTask(srv.URL(), int64(len(data)), 4)
	segments := segment.Plan(task.ID, task.TotalSize, true, 4, 1000)

	var progressed atomic.Int64

	res := m.Run(context.Background(), task, segments, func(e segment.Event) { progressed.Add(e.Delta) })
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, int64(len(data)), progressed.Load())
	assert.Equal(t, int64(len(data)), Downloaded(res.Segments))

	for _, s := range res.Segments {
		content, err := os.ReadFile(segment.ArtifactPath(dir, task.ID, s.Index))
		require.NoError(t, err)
		assert.Equal(t, data[s.Start:s.End+1], content, "segment %d", s.Index)
	}
}

func TestManager_SkipsCompletedSegments(t *testing.T) {
	data := testutil.GenerateData(8000)
	srv := testutil.NewRangeServer(t, data)
	m, _ := newManager(t, 3)

	task := newTask(srv.URL(), int64(len(data)), 2)
	segments := segment.Plan(task.ID, task.TotalSize, true, 2, 1000)
	segments[0].Status = storage.SegmentCompleted
	segments[0].Downloaded = segments[0].Size()

	res := m.Run(context.Background(), task, segments, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"bytes=4000-7999"}, srv.RangeRequests())
}

func TestManager_PermanentFailureFailsTask(t *testing.T) {
	data := testutil.GenerateData(40_000)
	srv := testutil.NewRangeServer(t, data)
	srv.FailRange(20_000, 100)

	m, _ := newManager(t, 1)

	task := newTask(srv.URL(), int64(len(data)), 4)
	segments := segment.Plan(task.ID, task.TotalSize, true, 4, 1000)

	res := m.Run(context.Background(), task, segments, nil)
	require.Error(t, res.Err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, storage.SegmentFailed, res.Segments[2].Status)
	assert.Equal(t, 1, res.Segments[2].RetryCount)

	for _, s := range res.Segments {
		if s.Index == 2 {
			continue
		}

		assert.NotEqual(t, storage.SegmentFailed, s.Status, "siblings are cancelled, never failed")
	}
}

func TestManager_PauseCheckpointsEverySegment(t *testing.T) {
	data := testutil.GenerateData(40_000)
	srv := testutil.NewRangeServer(t, data)
	srv.HoldAfter(1024)

	m, _ := newManager(t, 3)

	task := newTask(srv.URL(), int64(len(data)), 4)
	segments := segment.Plan(task.ID, task.TotalSize, true, 4, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once

	res := m.Run(ctx, task, segments, func(segment.Event) { once.Do(cancel) })
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomePaused, res.Outcome)

	for _, s := range res.Segments {
		assert.Contains(t, []storage.SegmentStatus{storage.SegmentPaused, storage.SegmentPending}, s.Status)
		assert.LessOrEqual(t, s.Downloaded, int64(1024))
	}
}

func TestManager_RangeIgnored(t *testing.T) {
	data := testutil.GenerateData(10_000)
	srv := testutil.NewRangeServer(t, data)
	srv.DisableRanges()

	m, _ := newManager(t, 3)

	task := newTask(srv.URL(), int64(len(data)), 2)
	segments := segment.Plan(task.ID, task.TotalSize, true, 2, 1000)

	res := m.Run(context.Background(), task, segments, nil)
	require.ErrorIs(t, res.Err, transfer.ErrRangeIgnored)
	assert.Equal(t, OutcomeRangeIgnored, res.Outcome)
}

func TestManager_ResourceChanged(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.GenerateData(12_000))
	m, _ := newManager(t, 3)

	task := newTask(srv.URL(), 10_000, 2)
	segments := segment.Plan(task.ID, task.TotalSize, true, 2, 1000)

	res := m.Run(context.Background(), task, segments, nil)
	require.ErrorIs(t, res.Err, transfer.ErrResourceChanged)
	assert.Equal(t, OutcomeResourceChanged, res.Outcome)
}

func TestManager_SingleSegmentAdoptsSize(t *testing.T) {
	data := testutil.GenerateData(5000)
	srv := testutil.NewRangeServer(t, data)
	m, _ := newManager(t, 3)

	task := newTask(srv.URL(), storage.UnknownSize, 4)
	segments := segment.Plan(task.ID, task.TotalSize, false, 4, 1000)

	res := m.Run(context.Background(), task, segments, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, int64(5000), ResolvedSize(res.Segments))
}

func TestHostLimiter(t *testing.T) {
	h := NewHostLimiter(1)

	release, err := h.Acquire(context.Background(), "http://a.example/file")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = h.Acquire(ctx, "http://a.example/other")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	otherRelease, err := h.Acquire(context.Background(), "http://b.example/file")
	require.NoError(t, err, "hosts are limited independently")
	otherRelease()

	release()

	release, err = h.Acquire(context.Background(), "http://a.example/file")
	require.NoError(t, err)
	release()
}

func TestHostLimiter_Unlimited(t *testing.T) {
	var nilLimiter *HostLimiter

	for _, h := range []*HostLimiter{nilLimiter, NewHostLimiter(0)} {
		for range 10 {
			release, err := h.Acquire(context.Background(), "http://a.example/file")
			require.NoError(t, err)
			defer release()
		}
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "range_ignored", OutcomeRangeIgnored.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}

func TestGenerateInstanceID(t *testing.T) {
	a, b := GenerateInstanceID(), GenerateInstanceID()

	assert.NotEqual(t, a, b)
	assert.Len(t, strings.Split(a, "-")[len(strings.Split(a, "-"))-1], 8)
}
