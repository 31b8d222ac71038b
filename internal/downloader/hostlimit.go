package downloader

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/sync/semaphore"
)

// HostLimiter caps the number of open connections per source host across all tasks.
// A nil limiter or a non-positive cap imposes no limit.
type HostLimiter struct {
	perHost int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewHostLimiter(perHost int) *HostLimiter {
	return &HostLimiter{
		perHost: int64(perHost),
		sems:    make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until a connection slot for the host of rawURL is free. The returned
// function releases the slot.
func (h *HostLimiter) Acquire(ctx context.Context, rawURL string) (func(), error) {
	if h == nil || h.perHost <= 0 {
		return func() {}, nil
	}

	sem := h.semaphore(hostOf(rawURL))
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	return func() { sem.Release(1) }, nil
}

func (h *HostLimiter) semaphore(host string) *semaphore.Weighted {
	h.mu.Lock()
	defer h.mu.Unlock()

	sem, ok := h.sems[host]
	if !ok {
		sem = semaphore.NewWeighted(h.perHost)
		h.sems[host] = sem
	}

	return sem
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	return u.Host
}
