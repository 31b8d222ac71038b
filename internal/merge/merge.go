// Package merge assembles completed segment artifacts into the final output file.
package merge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/telemetry"
	"github.com/italolelis/rangefetch/internal/transfer"
)

const (
	dirPerm = 0755

	defaultBufferSize      = 8 << 20
	defaultLargeBufferSize = 32 << 20
)

// Strategy is how parts are copied into the destination.
type Strategy int

const (
	// InMemory reads each part whole and writes it in one call.
	InMemory Strategy = iota
	// Buffered streams each part through a bounded buffer.
	Buffered
	// StreamingLarge preallocates the destination, writes every part at its own offset with a
	// large buffer and flushes to disk periodically.
	StreamingLarge
)

func (s Strategy) String() string {
	switch s {
	case InMemory:
		return "in_memory"
	case Buffered:
		return "buffered"
	case StreamingLarge:
		return "streaming_large"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Thresholds split resource sizes into the three strategies.
type Thresholds struct {
	Small int64
	Large int64
}

// SelectStrategy picks InMemory below Small, StreamingLarge above Large and Buffered otherwise.
func SelectStrategy(total int64, th Thresholds) Strategy {
	switch {
	case total < th.Small:
		return InMemory
	case total > th.Large:
		return StreamingLarge
	default:
		return Buffered
	}
}

// Part is one completed segment artifact covering [Start, End] of the resource.
type Part struct {
	Path  string
	Start int64
	End   int64
}

// Size is the number of bytes the artifact must hold.
func (p Part) Size() int64 {
	return p.End - p.Start + 1
}

type Config struct {
	Thresholds      Thresholds
	BufferSize      int
	LargeBufferSize int
	// FlushEvery is how many bytes StreamingLarge writes between fsyncs.
	FlushEvery int64
}

// Merger writes parts to a temp file next to the destination and renames it into place, so a
// partially merged file is never visible under the final name.
type Merger struct {
	cfg       Config
	telemetry *telemetry.Telemetry
}

func NewMerger(cfg Config, tel *telemetry.Telemetry) *Merger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	if cfg.LargeBufferSize <= 0 {
		cfg.LargeBufferSize = defaultLargeBufferSize
	}

	return &Merger{cfg: cfg, telemetry: tel}
}

// Merge concatenates parts in ascending start order into dest and deletes the parts.
// On failure dest is left untouched and the parts are kept.
func (m *Merger) Merge(ctx context.Context, parts []Part, dest string, total int64) (Strategy, error) {
	strategy := SelectStrategy(total, m.cfg.Thresholds)

	err := m.telemetry.InstrumentMerge(ctx, strategy.String(), func(ctx context.Context) error {
		return m.merge(ctx, strategy, parts, dest, total)
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "merge failed", "strategy", strategy, "dest", dest, "err", err)

		return strategy, err
	}

	for _, p := range parts {
		if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove segment artifact", "path", p.Path, "err", err)
		}
	}

	return strategy, nil
}

func (m *Merger) merge(ctx context.Context, strategy Strategy, parts []Part, dest string, total int64) error {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	ordered := slices.Clone(parts)
	slices.SortFunc(ordered, func(a, b Part) int { return cmp.Compare(a.Start, b.Start) })

	if err := checkParts(ordered, dest, total); err != nil {
		return err
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &transfer.MergeError{Path: dest, Reason: "create destination directory", Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.merging")
	if err != nil {
		return &transfer.MergeError{Path: dest, Reason: "create temp file", Err: err}
	}

	committed := false

	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	switch strategy {
	case InMemory:
		err = m.inMemory(ctx, tmp, ordered)
	case Buffered:
		err = m.buffered(ctx, tmp, ordered)
	default:
		err = m.streamingLarge(ctx, tmp, ordered, total)
	}

	if err != nil {
		return &transfer.MergeError{Path: dest, Reason: "copy " + strategy.String(), Err: err}
	}

	if err := tmp.Sync(); err != nil {
		return &transfer.MergeError{Path: dest, Reason: "sync", Err: err}
	}

	info, err := tmp.Stat()
	if err != nil {
		return &transfer.MergeError{Path: dest, Reason: "stat", Err: err}
	}

	if info.Size() != total {
		return &transfer.MergeError{Path: dest, Reason: fmt.Sprintf("merged %d bytes, want %d", info.Size(), total)}
	}

	if err := tmp.Close(); err != nil {
		return &transfer.MergeError{Path: dest, Reason: "close", Err: err}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return &transfer.MergeError{Path: dest, Reason: "rename", Err: err}
	}

	committed = true

	logger.InfoContext(ctx, "merged segments",
		"strategy", strategy,
		"parts", len(ordered),
		"size", humanize.IBytes(uint64(total)),
		"duration", time.Since(start),
	)

	return nil
}

// checkParts verifies the parts cover [0, total) contiguously and every artifact holds
// exactly its range. An empty part may have no artifact.
func checkParts(parts []Part, dest string, total int64) error {
	var next int64

	for _, p := range parts {
		if p.Start != next {
			return &transfer.MergeError{Path: dest, Reason: fmt.Sprintf("part %s starts at %d, want %d", p.Path, p.Start, next)}
		}

		info, err := os.Stat(p.Path)

		switch {
		case errors.Is(err, os.ErrNotExist) && p.Size() == 0:
		case err != nil:
			return &transfer.MergeError{Path: dest, Reason: "stat part", Err: err}
		case info.Size() != p.Size():
			return &transfer.MergeError{Path: dest, Reason: fmt.Sprintf("part %s holds %d bytes, want %d", p.Path, info.Size(), p.Size())}
		}

		next = p.End + 1
	}

	if next != total {
		return &transfer.MergeError{Path: dest, Reason: fmt.Sprintf("parts cover %d bytes, want %d", next, total)}
	}

	return nil
}

func (m *Merger) inMemory(ctx context.Context, dst *os.File, parts []Part) error {
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.Size() == 0 {
			continue
		}

		data, err := os.ReadFile(p.Path)
		if err != nil {
			return err
		}

		if _, err := dst.Write(data); err != nil {
			return err
		}
	}

	return nil
}

func (m *Merger) buffered(ctx context.Context, dst *os.File, parts []Part) error {
	buf := make([]byte, m.cfg.BufferSize)

	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.Size() == 0 {
			continue
		}

		if err := copyPart(dst, p, buf); err != nil {
			return err
		}
	}

	return nil
}

func (m *Merger) streamingLarge(ctx context.Context, dst *os.File, parts []Part, total int64) error {
	if err := dst.Truncate(total); err != nil {
		return fmt.Errorf("preallocate: %w", err)
	}

	buf := make([]byte, m.cfg.LargeBufferSize)

	var sinceFlush int64

	for _, p := range parts {
		if p.Size() == 0 {
			continue
		}

		src, err := os.Open(p.Path)
		if err != nil {
			return err
		}

		w := io.NewOffsetWriter(dst, p.Start)

		for {
			if err := ctx.Err(); err != nil {
				src.Close()

				return err
			}

			n, readErr := src.Read(buf)
			if n > 0 {
				if _, err := w.Write(buf[:n]); err != nil {
					src.Close()

					return err
				}

				sinceFlush += int64(n)
			}

			if m.cfg.FlushEvery > 0 && sinceFlush >= m.cfg.FlushEvery {
				if err := dst.Sync(); err != nil {
					src.Close()

					return err
				}

				sinceFlush = 0
			}

			if errors.Is(readErr, io.EOF) {
				break
			}

			if readErr != nil {
				src.Close()

				return readErr
			}
		}

		src.Close()
	}

	return nil
}

func copyPart(dst io.Writer, p Part, buf []byte) error {
	src, err := os.Open(p.Path)
	if err != nil {
		return err
	}

	defer src.Close()

	n, err := io.CopyBuffer(dst, io.LimitReader(src, p.Size()), buf)
	if err != nil {
		return err
	}

	if n != p.Size() {
		return fmt.Errorf("copied %d bytes of %s, want %d", n, p.Path, p.Size())
	}

	return nil
}
