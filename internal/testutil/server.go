// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// GenerateData returns size bytes of a deterministic, non-repeating-per-segment pattern.
func GenerateData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*31 + i/251) % 256)
	}

	return data
}

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RangeServer is an httptest server serving one resource with configurable range support,
// injected failures and a gate that holds responses mid-body.
type RangeServer struct {
	*httptest.Server

	mu           sync.Mutex
	data         []byte
	acceptRanges bool
	etag         string
	failures     map[int64]int
	requests     []string
	headers      []http.Header
	holdAfter    int64
	gate         chan struct{}
}

// NewRangeServer starts a server for data with range support enabled.
func NewRangeServer(t testing.TB, data []byte) *RangeServer {
	t.Helper()

	s := &RangeServer{
		data:         data,
		acceptRanges: true,
		etag:         `"v1"`,
		failures:     make(map[int64]int),
		holdAfter:    -1,
	}
	s.Server = httptest.NewServer(s)
	t.Cleanup(func() {
		s.Release()
		s.Close()
	})

	return s
}

// URL is the resource location.
func (s *RangeServer) URL() string {
	return s.Server.URL + "/files/resource.bin"
}

// DisableRanges makes the server ignore Range headers and always answer 200 with the full body.
func (s *RangeServer) DisableRanges() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acceptRanges = false
}

// EnableRanges restores range support.
func (s *RangeServer) EnableRanges() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acceptRanges = true
}

// SetData replaces the served resource and its ETag.
func (s *RangeServer) SetData(data []byte, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = data
	s.etag = etag
}

// FailRange answers the next n ranged requests starting at offset with 503.
func (s *RangeServer) FailRange(offset int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[offset] = n
}

// HoldAfter makes every body stop after n bytes until Release is called.
func (s *RangeServer) HoldAfter(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holdAfter = n
	s.gate = make(chan struct{})
}

// Release lets held responses finish and disables holding.
func (s *RangeServer) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}

	s.holdAfter = -1
}

// RangeRequests returns the Range header of every GET received, in arrival order.
func (s *RangeServer) RangeRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.requests))
	copy(out, s.requests)

	return out
}

// RequestHeaders returns the headers of every GET received, in arrival order.
func (s *RangeServer) RequestHeaders() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]http.Header, len(s.headers))
	copy(out, s.headers)

	return out
}

func (s *RangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rangeHeader := r.Header.Get("Range")

	s.mu.Lock()
	data := s.data
	acceptRanges := s.acceptRanges
	etag := s.etag
	holdAfter := s.holdAfter
	gate := s.gate
	s.requests = append(s.requests, rangeHeader)
	s.headers = append(s.headers, r.Header.Clone())

	start, end, ranged := parseRange(rangeHeader, int64(len(data)))
	if ranged && acceptRanges && s.failures[start] > 0 {
		s.failures[start]--
		s.mu.Unlock()
		http.Error(w, "injected failure", http.StatusServiceUnavailable)

		return
	}
	s.mu.Unlock()

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Disposition", `attachment; filename="resource.bin"`)

	if !acceptRanges || rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		writeBody(w, r, data, holdAfter, gate)

		return
	}

	w.Header().Set("Accept-Ranges", "bytes")

	if !ranged {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(data)))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

		return
	}

	body := data[start : end+1]
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusPartialContent)
	writeBody(w, r, body, holdAfter, gate)
}

func writeBody(w http.ResponseWriter, r *http.Request, body []byte, holdAfter int64, gate chan struct{}) {
	if holdAfter < 0 || gate == nil || holdAfter >= int64(len(body)) {
		_, _ = w.Write(body)
		return
	}

	_, _ = w.Write(body[:holdAfter])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	select {
	case <-gate:
	case <-r.Context().Done():
		return
	}

	_, _ = w.Write(body[holdAfter:])
}

// parseRange resolves a single "bytes=a-b" or "bytes=a-" range against size.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	value, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false
	}

	first, last, found := strings.Cut(value, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start >= size {
		return 0, 0, false
	}

	end = size - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil || end < start {
			return 0, 0, false
		}

		end = min(end, size-1)
	}

	return start, end, true
}
