// Package downloader supervises the segment workers of one task.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/rangefetch/internal/clock"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/retry"
	"github.com/italolelis/rangefetch/internal/segment"
	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/italolelis/rangefetch/internal/telemetry"
	"github.com/italolelis/rangefetch/internal/transfer"
	"golang.org/x/sync/errgroup"
)

// Outcome is the task level result of running its workers.
type Outcome int

const (
	// OutcomeCompleted means every segment is completed and the task can merge.
	OutcomeCompleted Outcome = iota
	// OutcomePaused means the run was cancelled; every checkpoint is persisted.
	OutcomePaused
	// OutcomeFailed means a segment failed permanently.
	OutcomeFailed
	// OutcomeRangeIgnored means the server stopped honoring ranges for a multi segment plan.
	OutcomeRangeIgnored
	// OutcomeResourceChanged means the remote resource no longer matches the plan.
	OutcomeResourceChanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePaused:
		return "paused"
	case OutcomeFailed:
		return "failed"
	case OutcomeRangeIgnored:
		return "range_ignored"
	case OutcomeResourceChanged:
		return "resource_changed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what Run reports once all workers have stopped.
type Result struct {
	Outcome  Outcome
	Segments []*storage.Segment
	Err      error
}

// Config holds the worker settings shared by every task.
type Config struct {
	TempDir            string
	ChunkSize          int
	CheckpointInterval time.Duration
	Retry              retry.Policy
	Clock              clock.Clock
}

// Manager launches and supervises SegmentWorkers.
type Manager struct {
	fetcher   segment.Fetcher
	store     segment.Checkpointer
	hosts     *HostLimiter
	cfg       Config
	telemetry *telemetry.Telemetry
}

func NewManager(fetcher segment.Fetcher, store segment.Checkpointer, hosts *HostLimiter, cfg Config, tel *telemetry.Telemetry) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	return &Manager{
		fetcher:   fetcher,
		store:     store,
		hosts:     hosts,
		cfg:       cfg,
		telemetry: tel,
	}
}

// Run fetches every non-completed segment of task concurrently, at most task.Connections at
// a time. The first permanent failure cancels the remaining workers, which checkpoint and
// pause. Cancelling ctx pauses all workers. Run returns after every worker has stopped.
func (m *Manager) Run(ctx context.Context, task *storage.Task, segments []*storage.Segment, onProgress func(segment.Event)) Result {
	logger := logctx.LoggerFromContext(ctx)

	whole := len(segments) == 1
	expected := task.TotalSize

	wg, wctx := errgroup.WithContext(ctx)
	wg.SetLimit(max(task.Connections, 1))

	pending := 0

	for _, seg := range segments {
		if seg.Status == storage.SegmentCompleted {
			continue
		}

		pending++

		w := segment.NewWorker(seg, m.fetcher, m.store, segment.WorkerConfig{
			URL:                task.URL,
			Headers:            task.Headers,
			ArtifactPath:       segment.ArtifactPath(m.cfg.TempDir, task.ID, seg.Index),
			ExpectedSize:       expected,
			WholeResource:      whole,
			ChunkSize:          m.cfg.ChunkSize,
			CheckpointInterval: m.cfg.CheckpointInterval,
			Retry:              m.cfg.Retry,
			Clock:              m.cfg.Clock,
			OnProgress:         onProgress,
			Telemetry:          m.telemetry,
		})

		wg.Go(func() error {
			release, err := m.hosts.Acquire(wctx, task.URL)
			if err != nil {
				// Never started; the segment keeps its persisted state.
				return nil
			}

			defer release()

			status, err := w.Run(wctx)
			if err != nil {
				return fmt.Errorf("segment %d %s: %w", seg.Index, status, err)
			}

			return nil
		})
	}

	logger.DebugContext(ctx, "segment workers launched",
		"segments", len(segments),
		"pending", pending,
		"connections", task.Connections,
		"size", sizeString(expected),
	)

	err := wg.Wait()

	result := Result{Segments: segments, Err: err}

	var protoErr *transfer.ProtocolError

	switch {
	case err != nil && errors.As(err, &protoErr) && errors.Is(err, transfer.ErrRangeIgnored):
		result.Outcome = OutcomeRangeIgnored
	case err != nil && errors.As(err, &protoErr):
		result.Outcome = OutcomeResourceChanged
	case err != nil:
		result.Outcome = OutcomeFailed
	case allCompleted(segments):
		result.Outcome = OutcomeCompleted
	default:
		result.Outcome = OutcomePaused
	}

	logger.DebugContext(ctx, "segment workers stopped", "outcome", result.Outcome, "downloaded", sizeString(Downloaded(segments)))

	return result
}

func allCompleted(segments []*storage.Segment) bool {
	for _, s := range segments {
		if s.Status != storage.SegmentCompleted {
			return false
		}
	}

	return true
}

// Downloaded sums the bytes held by segments.
func Downloaded(segments []*storage.Segment) int64 {
	var n int64
	for _, s := range segments {
		n += s.Downloaded
	}

	return n
}

// ResolvedSize derives the resource size from a finished single segment plan, whose worker may
// have learned or changed the size. It returns storage.UnknownSize while the end is not known.
func ResolvedSize(segments []*storage.Segment) int64 {
	last := segments[len(segments)-1]
	if last.OpenEnded {
		return storage.UnknownSize
	}

	return last.End + 1
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.IBytes(uint64(n))
}
