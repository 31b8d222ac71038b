package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/italolelis/rangefetch/internal/storage"
)

const (
	fallbackFilename = "download"
	maxFilenameBytes = 250
	maxNameAttempts  = 10000
)

// deriveFilename picks the output name from Content-Disposition, then the last URL path
// element, then a fixed fallback.
func deriveFilename(rawURL, disposition string) string {
	if name := sanitizeFilename(path.Base(disposition)); disposition != "" && name != "" {
		return name
	}

	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base == "/" || base == "." {
			return fallbackFilename
		}

		if unescaped, err := url.PathUnescape(base); err == nil {
			base = unescaped
		}

		if name := sanitizeFilename(base); name != "" {
			return name
		}
	}

	return fallbackFilename
}

// sanitizeFilename replaces characters that are not portable in file names and trims
// leading and trailing dots and spaces.
func sanitizeFilename(name string) string {
	var b strings.Builder

	for _, r := range name {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r), unicode.IsControl(r), r == utf8.RuneError:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), ". ")

	for len(out) > maxFilenameBytes {
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}

	return out
}

// uniqueFilename returns name, or name(N).ext, such that no file in dir and no other
// unfinished task claims the path.
func (m *Manager) uniqueFilename(ctx context.Context, dir, name string) (string, error) {
	tasks, err := m.repo.ListTasks(ctx, storage.TaskQueued, storage.TaskDownloading, storage.TaskPaused, storage.TaskMerging)
	if err != nil {
		return "", err
	}

	claimed := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.Filename != "" {
			claimed[t.Path()] = struct{}{}
		}
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 0; n < maxNameAttempts; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s(%d)%s", stem, n, ext)
		}

		p := filepath.Join(dir, candidate)

		if _, taken := claimed[p]; taken {
			continue
		}

		_, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}

		if err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}
