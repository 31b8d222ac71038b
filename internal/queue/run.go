package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/rangefetch/internal/downloader"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/merge"
	"github.com/italolelis/rangefetch/internal/segment"
	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/italolelis/rangefetch/internal/transfer"
)

// runTask takes one admitted task through probe, planning, download and merge. Every
// exit path leaves the task in a persisted status and frees its slot.
func (m *Manager) runTask(ctx context.Context, r *run, task *storage.Task) {
	ctx = logctx.WithTaskID(ctx, task.ID)
	logger := logctx.LoggerFromContext(ctx)

	// Writes made after a pause or cancel must still reach the store.
	persistCtx := context.WithoutCancel(ctx)

	defer m.release(task.ID, r)

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "task run panic", "panic", rec, "stack", string(debug.Stack()))
			m.telemetry.RecordSystemError("queue", "panic")

			task.Error = fmt.Sprintf("internal error: %v", rec)
			m.finish(persistCtx, r, task, nil, storage.TaskFailed, task.Status)
		}
	}()

	info, err := m.prober.Probe(ctx, task.URL, task.Headers)
	if err != nil {
		m.probeFailed(ctx, persistCtx, r, task, err)

		return
	}

	existing, err := m.repo.GetSegments(ctx, task.ID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load segments", "err", err)
		m.deferTask(task.ID)

		return
	}

	segments, replace := m.plan(ctx, task, info, existing)

	// A claimed task downloads every unfinished segment again.
	for _, s := range segments {
		if s.Status != storage.SegmentCompleted {
			s.Status = storage.SegmentPending
		}
	}

	// Choosing a name and claiming it must not interleave with another run doing the same.
	m.claimMu.Lock()

	if task.Filename == "" {
		name, err := m.uniqueFilename(ctx, task.Directory, deriveFilename(task.URL, info.Filename))
		if err != nil {
			m.claimMu.Unlock()
			logger.ErrorContext(ctx, "failed to choose a filename", "err", err)
			m.deferTask(task.ID)

			return
		}

		task.Filename = name
	}

	task.ClaimedBy = m.settings.InstanceID
	task.UpdatedAt = m.clock.Now()

	claimed, err := m.repo.ClaimTask(ctx, storage.Change{Task: task, Segments: segments, ReplaceSegments: replace}, m.settings.MaxConcurrent)
	m.claimMu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			logger.ErrorContext(ctx, "failed to claim task", "err", err)
			m.deferTask(task.ID)
		}

		m.interruptQueued(persistCtx, r, task)

		return
	}

	if !claimed {
		logger.DebugContext(ctx, "task no longer claimable")
		m.interruptQueued(persistCtx, r, task)

		return
	}

	if replace {
		m.removeArtifacts(ctx, task.ID)
	}

	m.telemetry.RecordTaskTransition(string(storage.TaskDownloading))
	m.progress.Track(task, segments)

	logger.InfoContext(ctx, "task admitted",
		"url", task.URL,
		"filename", task.Filename,
		"size", sizeString(task.TotalSize),
		"segments", len(segments),
	)

	segments, ok := m.download(ctx, persistCtx, r, task, segments)
	if !ok {
		return
	}

	m.mergeTask(ctx, persistCtx, r, task, segments)
}

// download runs the workers until every segment completes, replanning once when the server
// stops honoring the plan. It reports false when the run already settled the task.
func (m *Manager) download(ctx, persistCtx context.Context, r *run, task *storage.Task, segments []*storage.Segment) ([]*storage.Segment, bool) {
	logger := logctx.LoggerFromContext(ctx)
	replanned := false

	for {
		res := m.runner.Run(ctx, task, segments, m.progress.Observe)
		segments = res.Segments

		if len(segments) == 1 {
			task.TotalSize = downloader.ResolvedSize(segments)
		}

		switch res.Outcome {
		case downloader.OutcomeCompleted:
			return segments, true
		case downloader.OutcomePaused:
			m.interrupt(persistCtx, r, task, segments)

			return nil, false
		case downloader.OutcomeFailed:
			task.Error = res.Err.Error()
			m.finish(persistCtx, r, task, segments, storage.TaskFailed, storage.TaskDownloading)

			return nil, false
		}

		// The server no longer matches the plan: fall back to a fresh plan once per run.
		if replanned || ctx.Err() != nil {
			if ctx.Err() != nil {
				m.interrupt(persistCtx, r, task, segments)

				return nil, false
			}

			task.Error = res.Err.Error()
			m.finish(persistCtx, r, task, segments, storage.TaskFailed, storage.TaskDownloading)

			return nil, false
		}

		replanned = true

		logger.WarnContext(ctx, "server contradicts the segment plan, replanning",
			"outcome", res.Outcome, "segments", len(segments), "err", res.Err)

		if res.Outcome == downloader.OutcomeRangeIgnored {
			task.AcceptsRanges = false
		} else {
			info, err := m.prober.Probe(ctx, task.URL, task.Headers)
			if err != nil {
				task.Error = err.Error()
				m.finish(persistCtx, r, task, segments, storage.TaskFailed, storage.TaskDownloading)

				return nil, false
			}

			applyProbe(task, info)
		}

		segments = segment.Plan(task.ID, task.TotalSize, task.AcceptsRanges, task.Connections, m.settings.MinSegmentSize)
		m.removeArtifacts(ctx, task.ID)

		task.UpdatedAt = m.clock.Now()

		err := m.repo.Transition(persistCtx, storage.Change{
			Task:            task,
			From:            []storage.TaskStatus{storage.TaskDownloading},
			Segments:        segments,
			ReplaceSegments: true,
		})
		if err != nil {
			task.Error = err.Error()
			m.finish(persistCtx, r, task, segments, storage.TaskFailed, storage.TaskDownloading)

			return nil, false
		}

		m.progress.SetSegments(task.ID, task.TotalSize, segments)
	}
}

// mergeTask assembles the artifacts and completes the task.
func (m *Manager) mergeTask(ctx, persistCtx context.Context, r *run, task *storage.Task, segments []*storage.Segment) {
	logger := logctx.LoggerFromContext(ctx)

	task.Status = storage.TaskMerging
	task.UpdatedAt = m.clock.Now()

	err := m.repo.Transition(persistCtx, storage.Change{
		Task:     task,
		From:     []storage.TaskStatus{storage.TaskDownloading},
		Segments: segments,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to enter merging", "err", err)
		task.Status = storage.TaskDownloading
		task.Error = err.Error()
		m.finish(persistCtx, r, task, segments, storage.TaskFailed, storage.TaskDownloading)

		return
	}

	m.telemetry.RecordTaskTransition(string(storage.TaskMerging))
	m.progress.SetStatus(task.ID, storage.TaskMerging, "")

	parts := make([]merge.Part, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, merge.Part{
			Path:  segment.ArtifactPath(m.settings.TempDir, task.ID, s.Index),
			Start: s.Start,
			End:   s.End,
		})
	}

	strategy, err := m.merger.Merge(ctx, parts, task.Path(), task.TotalSize)
	if err != nil {
		if ctx.Err() != nil {
			m.interrupt(persistCtx, r, task, segments)

			return
		}

		task.Error = err.Error()
		m.finish(persistCtx, r, task, segments, storage.TaskFailed, storage.TaskMerging)

		return
	}

	m.removeArtifacts(ctx, task.ID)

	logger.InfoContext(ctx, "task completed", "path", task.Path(), "strategy", strategy, "size", sizeString(task.TotalSize))

	task.Error = ""
	m.finish(persistCtx, r, task, segments, storage.TaskCompleted, storage.TaskMerging)
}

// probeFailed keeps the task queued for the next admission cycle on transient errors and
// fails it otherwise.
func (m *Manager) probeFailed(ctx, persistCtx context.Context, r *run, task *storage.Task, err error) {
	logger := logctx.LoggerFromContext(ctx)

	if ctx.Err() != nil {
		m.interruptQueued(persistCtx, r, task)

		return
	}

	if transfer.IsTransient(err) {
		logger.WarnContext(ctx, "probe failed, task stays queued", "err", err)
		m.deferTask(task.ID)

		return
	}

	logger.ErrorContext(ctx, "probe failed permanently", "err", err)

	task.Error = err.Error()
	m.finish(persistCtx, r, task, nil, storage.TaskFailed, storage.TaskQueued)
}

// plan reuses persisted segments when the probe confirms the resource is unchanged and
// otherwise produces a fresh plan that replaces them.
func (m *Manager) plan(ctx context.Context, task *storage.Task, info *transfer.ResourceInfo, existing []*storage.Segment) ([]*storage.Segment, bool) {
	logger := logctx.LoggerFromContext(ctx)

	if len(existing) > 0 {
		reason := staleReason(task, info, existing)
		if reason == "" {
			return existing, false
		}

		logger.WarnContext(ctx, "resource changed since the last run, restarting from zero",
			"reason", reason,
			"discarded", sizeString(downloader.Downloaded(existing)),
		)
	}

	applyProbe(task, info)

	return segment.Plan(task.ID, task.TotalSize, task.AcceptsRanges, task.Connections, m.settings.MinSegmentSize), len(existing) > 0
}

// staleReason explains why persisted segments cannot be resumed, or returns "".
func staleReason(task *storage.Task, info *transfer.ResourceInfo, existing []*storage.Segment) string {
	switch {
	case task.ETag != "" && info.ETag != "" && task.ETag != info.ETag:
		return fmt.Sprintf("etag changed from %s to %s", task.ETag, info.ETag)
	case task.TotalSize != storage.UnknownSize && info.Size != task.TotalSize:
		return fmt.Sprintf("size changed from %d to %d", task.TotalSize, info.Size)
	case len(existing) > 1 && !info.AcceptsRanges:
		return "server no longer accepts ranges"
	}

	if err := segment.CheckPartition(existing, task.TotalSize); err != nil {
		return err.Error()
	}

	return ""
}

func applyProbe(task *storage.Task, info *transfer.ResourceInfo) {
	task.TotalSize = info.Size
	task.AcceptsRanges = info.AcceptsRanges
	task.ETag = info.ETag
}

// interrupt settles a run stopped by pause, cancel or shutdown after the task was claimed.
func (m *Manager) interrupt(persistCtx context.Context, r *run, task *storage.Task, segments []*storage.Segment) {
	from := task.Status

	if m.intentOf(task.ID) == ActionCancel {
		m.finish(persistCtx, r, task, segments, storage.TaskCancelled, from)
		m.removeArtifacts(persistCtx, task.ID)

		return
	}

	m.settle(persistCtx, task, segments, storage.TaskPaused, from)
}

// interruptQueued settles a run stopped before its task was claimed.
func (m *Manager) interruptQueued(persistCtx context.Context, r *run, task *storage.Task) {
	switch m.intentOf(task.ID) {
	case ActionCancel:
		m.finish(persistCtx, r, task, nil, storage.TaskCancelled, storage.TaskQueued)
	case ActionPause:
		m.settle(persistCtx, task, nil, storage.TaskPaused, storage.TaskQueued)
	}
}

// finish moves a task into a terminal status and publishes it.
func (m *Manager) finish(persistCtx context.Context, r *run, task *storage.Task, segments []*storage.Segment, status, from storage.TaskStatus) {
	if !m.settle(persistCtx, task, segments, status, from) {
		return
	}

	m.telemetry.RecordTaskFinished(string(status), m.clock.Now().Sub(r.started))

	switch status {
	case storage.TaskCompleted:
		m.publish(m.OnTaskCompleted, task)
	case storage.TaskFailed:
		m.publish(m.OnTaskFailed, task)
	}
}

// settle persists a transition together with the segment checkpoints.
func (m *Manager) settle(persistCtx context.Context, task *storage.Task, segments []*storage.Segment, status, from storage.TaskStatus) bool {
	logger := logctx.LoggerFromContext(persistCtx)

	task.Status = status
	task.UpdatedAt = m.clock.Now()

	if status != storage.TaskDownloading && status != storage.TaskMerging {
		task.ClaimedBy = ""
		stopSegments(segments)
	}

	err := m.repo.Transition(persistCtx, storage.Change{
		Task:     task,
		From:     []storage.TaskStatus{from},
		Segments: segments,
	})
	if err != nil {
		logger.ErrorContext(persistCtx, "failed to persist task transition", "from", from, "to", status, "err", err)

		return false
	}

	m.telemetry.RecordTaskTransition(string(status))
	m.progress.SetStatus(task.ID, status, task.Error)

	level := slog.LevelInfo
	if status == storage.TaskFailed {
		level = slog.LevelError
	}

	logger.Log(persistCtx, level, "task transition",
		"from", from,
		"to", status,
		"downloaded", sizeString(downloader.Downloaded(segments)),
		"error", task.Error,
	)

	return true
}

// stopSegments marks every segment that was running or waiting as paused. Completed and
// failed segments keep their status.
func stopSegments(segments []*storage.Segment) {
	for _, s := range segments {
		if s.Status == storage.SegmentActive || s.Status == storage.SegmentPending {
			s.Status = storage.SegmentPaused
		}
	}
}

func (m *Manager) removeArtifacts(ctx context.Context, taskID string) {
	if err := segment.RemoveArtifacts(m.settings.TempDir, taskID); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove temp artifacts", "err", err)
	}
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.IBytes(uint64(n))
}
