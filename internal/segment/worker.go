package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/rangefetch/internal/clock"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/retry"
	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/italolelis/rangefetch/internal/telemetry"
	"github.com/italolelis/rangefetch/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	defaultChunkSize = 2 << 20
)

// errRestart asks the worker loop to issue a fresh request from offset 0.
var errRestart = errors.New("segment restarted from zero")

// Fetcher issues ranged GETs.
type Fetcher interface {
	GetRange(ctx context.Context, url string, headers map[string]string, start, end int64) (*transfer.RangeResponse, error)
}

// Checkpointer persists segment progress.
type Checkpointer interface {
	SaveSegment(ctx context.Context, s *storage.Segment) error
}

// Event is one progress report of a segment. Delta is negative when progress was discarded.
type Event struct {
	TaskID     string
	Index      int
	Delta      int64
	Downloaded int64
}

// WorkerConfig holds everything a worker needs besides its segment.
type WorkerConfig struct {
	URL string
	// Headers are sent with every request of the segment.
	Headers      map[string]string
	ArtifactPath string
	// ExpectedSize is the resource length the plan was made for, or storage.UnknownSize.
	ExpectedSize int64
	// WholeResource marks the single segment of a task, which may restart from zero
	// and adopt a new size when the resource changed.
	WholeResource      bool
	ChunkSize          int
	CheckpointInterval time.Duration
	Retry              retry.Policy
	Clock              clock.Clock
	OnProgress         func(Event)
	Telemetry          *telemetry.Telemetry
}

// Worker fetches one segment into its temp artifact. A worker is the only writer of its
// artifact and must not be run concurrently with another worker for the same segment.
type Worker struct {
	seg      *storage.Segment
	fetcher  Fetcher
	store    Checkpointer
	cfg      WorkerConfig
	lastSave time.Time
	restarts int
}

// NewWorker returns a worker that mutates seg as it progresses.
func NewWorker(seg *storage.Segment, fetcher Fetcher, store Checkpointer, cfg WorkerConfig) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	return &Worker{seg: seg, fetcher: fetcher, store: store, cfg: cfg}
}

// Segment returns the segment the worker owns. Read it only after Run returned.
func (w *Worker) Segment() *storage.Segment {
	return w.seg
}

// Run downloads the remaining bytes of the segment. It returns Completed, Paused when ctx
// was cancelled, or Failed along with the cause. A ProtocolError on a segment that cannot
// restart alone is returned with status Paused so the caller can replan the task.
func (w *Worker) Run(ctx context.Context) (storage.SegmentStatus, error) {
	seg := w.seg
	if seg.Status == storage.SegmentCompleted {
		return storage.SegmentCompleted, nil
	}

	if ctx.Err() != nil {
		return seg.Status, nil
	}

	logger := logctx.LoggerFromContext(ctx).With("segment", seg.Index)

	file, err := w.openArtifact()
	if err != nil {
		return w.finish(ctx, storage.SegmentFailed, nil, err)
	}

	defer file.Close()

	// The artifact already holds the whole range, the completion was just never recorded.
	if !seg.OpenEnded && seg.Remaining() == 0 {
		seg.LastError = ""

		return w.finish(ctx, storage.SegmentCompleted, file, nil)
	}

	seg.Status = storage.SegmentActive
	if err := w.checkpoint(ctx, file); err != nil {
		return w.finish(ctx, storage.SegmentFailed, nil, err)
	}

	for {
		err := w.attempt(ctx, logger, file)

		switch {
		case err == nil:
			seg.LastError = ""

			logger.DebugContext(ctx, "segment completed", "size", humanize.IBytes(uint64(seg.Downloaded)))

			return w.finish(ctx, storage.SegmentCompleted, file, nil)
		case ctx.Err() != nil:
			return w.finish(ctx, storage.SegmentPaused, file, nil)
		case errors.Is(err, errRestart):
			continue
		}

		var protoErr *transfer.ProtocolError
		if errors.As(err, &protoErr) {
			seg.LastError = err.Error()

			return w.finish(ctx, storage.SegmentPaused, file, err)
		}

		if !transfer.IsTransient(err) || seg.RetryCount >= w.cfg.Retry.MaxRetries {
			seg.LastError = err.Error()

			return w.finish(ctx, storage.SegmentFailed, file, err)
		}

		seg.RetryCount++
		seg.LastError = err.Error()
		w.cfg.Telemetry.RecordSegmentRetry(retryReason(err))

		delay := w.cfg.Retry.Delay(seg.RetryCount)
		logger.WarnContext(ctx, "segment failed, retrying",
			"attempt", seg.RetryCount,
			"max_retries", w.cfg.Retry.MaxRetries,
			"offset", seg.Offset(),
			"delay", delay,
			"err", err,
		)

		if err := w.checkpoint(ctx, file); err != nil {
			return w.finish(ctx, storage.SegmentFailed, nil, err)
		}

		if err := retry.Sleep(ctx, w.cfg.Clock, delay); err != nil {
			return w.finish(ctx, storage.SegmentPaused, file, nil)
		}
	}
}

// finish records the outcome of this run on the in-memory segment. The checkpoint is written
// even when ctx is cancelled so a paused segment always resumes from what is on disk. The
// persisted row stays Active: the task transition settling the run writes the final status.
func (w *Worker) finish(ctx context.Context, status storage.SegmentStatus, file *os.File, cause error) (storage.SegmentStatus, error) {
	if file != nil {
		if err := w.checkpoint(ctx, file); err != nil {
			w.seg.Status = storage.SegmentFailed

			return storage.SegmentFailed, errors.Join(cause, err)
		}
	}

	w.seg.Status = status

	return status, cause
}

func (w *Worker) attempt(ctx context.Context, logger *slog.Logger, file *os.File) error {
	seg := w.seg

	end := seg.End
	if seg.OpenEnded {
		end = -1
	}

	resp, err := w.fetcher.GetRange(ctx, w.cfg.URL, w.cfg.Headers, seg.Offset(), end)
	if err != nil {
		if errors.Is(err, transfer.ErrResourceChanged) && w.cfg.WholeResource {
			return w.restart(ctx, logger, file, storage.UnknownSize, err)
		}

		return err
	}

	defer resp.Body.Close()

	if err := w.accept(ctx, logger, file, resp); err != nil {
		return err
	}

	return w.stream(ctx, file, resp.Body)
}

// accept checks that resp continues the segment where the checkpoint left it.
func (w *Worker) accept(ctx context.Context, logger *slog.Logger, file *os.File, resp *transfer.RangeResponse) error {
	seg := w.seg
	expected := w.cfg.ExpectedSize

	changed := expected != storage.UnknownSize && resp.Total != storage.UnknownSize && resp.Total != expected

	if resp.Partial {
		if changed {
			return w.invalidate(ctx, logger, file, resp.Total, fmt.Sprintf("size changed from %d to %d", expected, resp.Total))
		}

		if resp.Start != seg.Offset() {
			return &transfer.ProtocolError{
				Operation: "range_get",
				Reason:    fmt.Sprintf("response starts at %d, want %d", resp.Start, seg.Offset()),
				Err:       transfer.ErrRangeIgnored,
			}
		}

		return nil
	}

	if !w.cfg.WholeResource {
		return &transfer.ProtocolError{
			Operation: "range_get",
			Reason:    fmt.Sprintf("status %d for ranged request", resp.StatusCode),
			Err:       transfer.ErrRangeIgnored,
		}
	}

	// The full body restarts the segment from zero; it is consumed as is.
	if seg.Downloaded > 0 || changed {
		logger.WarnContext(ctx, "server sent the full resource, discarding segment progress",
			"discarded", humanize.IBytes(uint64(seg.Downloaded)))

		if err := w.reset(file, resp.Total); err != nil {
			return err
		}
	}

	return nil
}

// invalidate handles a resource that no longer matches the plan.
func (w *Worker) invalidate(ctx context.Context, logger *slog.Logger, file *os.File, total int64, reason string) error {
	err := &transfer.ProtocolError{Operation: "range_get", Reason: reason, Err: transfer.ErrResourceChanged}
	if !w.cfg.WholeResource {
		return err
	}

	return w.restart(ctx, logger, file, total, err)
}

func (w *Worker) restart(ctx context.Context, logger *slog.Logger, file *os.File, total int64, cause error) error {
	if w.restarts > 0 {
		return cause
	}

	w.restarts++

	logger.WarnContext(ctx, "resource changed, restarting segment from zero",
		"discarded", humanize.IBytes(uint64(w.seg.Downloaded)), "reason", cause)

	if err := w.reset(file, total); err != nil {
		return err
	}

	return errRestart
}

// reset discards all progress and adopts total as the new resource size.
func (w *Worker) reset(file *os.File, total int64) error {
	seg := w.seg
	discarded := seg.Downloaded

	if err := file.Truncate(0); err != nil {
		return &transfer.FilesystemError{Op: "truncate", Path: w.cfg.ArtifactPath, Err: err}
	}

	seg.Downloaded = 0
	seg.Start = 0
	w.cfg.ExpectedSize = total

	if total == storage.UnknownSize {
		seg.End = -1
		seg.OpenEnded = true
	} else {
		seg.End = total - 1
		seg.OpenEnded = false
	}

	w.emit(-discarded)

	return nil
}

func (w *Worker) stream(ctx context.Context, file *os.File, body io.Reader) error {
	seg := w.seg
	buf := make([]byte, w.cfg.ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := len(buf)

		if rem := seg.Remaining(); rem != storage.UnknownSize {
			if rem == 0 {
				return nil
			}

			want = int(min(int64(want), rem))
		}

		n, readErr := readChunk(body, buf[:want])
		if n > 0 {
			if _, err := file.WriteAt(buf[:n], seg.Downloaded); err != nil {
				return &transfer.FilesystemError{Op: "write", Path: w.cfg.ArtifactPath, Err: err}
			}

			seg.Downloaded += int64(n)
			w.emit(int64(n))
			w.cfg.Telemetry.RecordBytes(int64(n))

			if w.cfg.Clock.Now().Sub(w.lastSave) >= w.cfg.CheckpointInterval {
				if err := w.checkpoint(ctx, file); err != nil {
					return err
				}
			}

			if seg.Remaining() == 0 {
				return nil
			}
		}

		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF) && seg.OpenEnded:
			seg.End = seg.Start + seg.Downloaded - 1
			seg.OpenEnded = false

			return nil
		case errors.Is(readErr, io.EOF):
			return &transfer.NetworkError{
				Operation: "read_body",
				Message:   fmt.Sprintf("body ended with %d bytes missing", seg.Remaining()),
				Err:       io.ErrUnexpectedEOF,
			}
		case ctx.Err() != nil:
			return ctx.Err()
		}

		var netErr *transfer.NetworkError
		if errors.As(readErr, &netErr) {
			return readErr
		}

		return &transfer.NetworkError{Operation: "read_body", Message: readErr.Error(), Err: readErr}
	}
}

// checkpoint makes the artifact durable and then persists the segment row, so a saved
// offset never points past bytes on disk.
func (w *Worker) checkpoint(ctx context.Context, file *os.File) error {
	if err := file.Sync(); err != nil {
		return &transfer.FilesystemError{Op: "sync", Path: w.cfg.ArtifactPath, Err: err}
	}

	row := w.seg.Clone()
	row.Status = storage.SegmentActive

	if err := w.store.SaveSegment(context.WithoutCancel(ctx), row); err != nil {
		return fmt.Errorf("failed to save checkpoint of segment %d: %w", w.seg.Index, err)
	}

	w.lastSave = w.cfg.Clock.Now()

	return nil
}

// openArtifact opens the temp artifact and reconciles it with the checkpoint: bytes past the
// checkpoint were never confirmed and are dropped, a short file lowers the checkpoint.
func (w *Worker) openArtifact() (*os.File, error) {
	path := w.cfg.ArtifactPath

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, &transfer.FilesystemError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, &transfer.FilesystemError{Op: "open", Path: path, Err: err}
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()

		return nil, &transfer.FilesystemError{Op: "stat", Path: path, Err: err}
	}

	switch {
	case info.Size() > w.seg.Downloaded:
		if err := file.Truncate(w.seg.Downloaded); err != nil {
			file.Close()

			return nil, &transfer.FilesystemError{Op: "truncate", Path: path, Err: err}
		}
	case info.Size() < w.seg.Downloaded:
		w.seg.Downloaded = info.Size()
	}

	return file, nil
}

func (w *Worker) emit(delta int64) {
	if w.cfg.OnProgress == nil || delta == 0 {
		return
	}

	w.cfg.OnProgress(Event{
		TaskID:     w.seg.TaskID,
		Index:      w.seg.Index,
		Delta:      delta,
		Downloaded: w.seg.Downloaded,
	})
}

// readChunk fills buf unless the reader ends or fails first; unlike io.ReadFull it reports
// the reader's own error so a clean EOF stays distinguishable from a truncated body.
func readChunk(r io.Reader, buf []byte) (int, error) {
	var n int

	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m

		if err != nil {
			return n, err
		}
	}

	return n, nil
}

func retryReason(err error) string {
	var netErr *transfer.NetworkError
	if errors.As(err, &netErr) {
		switch {
		case errors.Is(err, transfer.ErrReadTimeout):
			return "timeout"
		case netErr.StatusCode > 0:
			return "http_" + strconv.Itoa(netErr.StatusCode)
		}
	}

	return "transport"
}
