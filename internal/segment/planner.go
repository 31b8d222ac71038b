// Package segment plans byte ranges of a resource and fetches them into temp artifacts.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/italolelis/rangefetch/internal/storage"
)

// Plan divides a resource of totalSize bytes into contiguous segments.
//
// An unknown size or a server without range support yields a single segment spanning the
// whole resource; an empty resource yields one segment that is already completed.
// Otherwise the count is min(maxConnections, ceil(totalSize/minSegmentSize)) and the last
// segment absorbs the remainder.
func Plan(taskID string, totalSize int64, acceptsRanges bool, maxConnections int, minSegmentSize int64) []*storage.Segment {
	switch {
	case totalSize == 0:
		return []*storage.Segment{{TaskID: taskID, Start: 0, End: -1, Status: storage.SegmentCompleted}}
	case totalSize < 0:
		return []*storage.Segment{{TaskID: taskID, Start: 0, End: -1, OpenEnded: true, Status: storage.SegmentPending}}
	case !acceptsRanges:
		return []*storage.Segment{{TaskID: taskID, Start: 0, End: totalSize - 1, Status: storage.SegmentPending}}
	}

	maxConnections = max(maxConnections, 1)
	minSegmentSize = max(minSegmentSize, 1)

	count := min(int64(maxConnections), (totalSize+minSegmentSize-1)/minSegmentSize)
	base := totalSize / count

	segments := make([]*storage.Segment, 0, count)
	for i := range count {
		start := i * base
		end := start + base - 1

		if i == count-1 {
			end = totalSize - 1
		}

		segments = append(segments, &storage.Segment{
			TaskID: taskID,
			Index:  int(i),
			Start:  start,
			End:    end,
			Status: storage.SegmentPending,
		})
	}

	return segments
}

// CheckPartition verifies that segments, ordered by index, cover [0, totalSize) exactly and
// that no segment holds more bytes than its range.
func CheckPartition(segments []*storage.Segment, totalSize int64) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments")
	}

	if totalSize < 0 {
		if len(segments) != 1 || segments[0].Start != 0 {
			return fmt.Errorf("unknown size requires a single segment from offset 0")
		}

		return nil
	}

	var next int64

	for i, s := range segments {
		if s.Index != i {
			return fmt.Errorf("segment %d has index %d", i, s.Index)
		}

		if s.Start != next {
			return fmt.Errorf("segment %d starts at %d, want %d", i, s.Start, next)
		}

		if s.End < s.Start-1 {
			return fmt.Errorf("segment %d has inverted range [%d, %d]", i, s.Start, s.End)
		}

		if !s.OpenEnded && s.Downloaded > s.Size() {
			return fmt.Errorf("segment %d holds %d bytes beyond its range", i, s.Downloaded-s.Size())
		}

		next = s.End + 1
	}

	if next != totalSize {
		return fmt.Errorf("segments cover %d bytes, want %d", next, totalSize)
	}

	return nil
}

// ArtifactDir is the directory holding every temp artifact of a task.
func ArtifactDir(tempDir, taskID string) string {
	return filepath.Join(tempDir, taskID)
}

// ArtifactPath is the temp artifact of one segment.
func ArtifactPath(tempDir, taskID string, index int) string {
	return filepath.Join(ArtifactDir(tempDir, taskID), strconv.Itoa(index)+".part")
}

// RemoveArtifacts deletes every temp artifact of a task.
func RemoveArtifacts(tempDir, taskID string) error {
	if err := os.RemoveAll(ArtifactDir(tempDir, taskID)); err != nil {
		return fmt.Errorf("failed to remove artifacts of %s: %w", taskID, err)
	}

	return nil
}
