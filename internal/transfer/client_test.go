package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/rangefetch/internal/clock"
	"github.com/italolelis/rangefetch/internal/retry"
	"github.com/italolelis/rangefetch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(clk clock.Clock) *Client {
	return NewClient(Options{
		ConnectTimeout: time.Second,
		ReadTimeout:    5 * time.Second,
		UserAgent:      "rangefetch-test/1.0",
		ProbeRetry:     retry.Policy{MaxRetries: 2, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute},
		Clock:          clk,
	})
}

func TestProbe(t *testing.T) {
	data := testutil.GenerateData(1000)

	t.Run("ranged server", func(t *testing.T) {
		srv := testutil.NewRangeServer(t, data)

		info, err := newTestClient(nil).Probe(context.Background(), srv.URL(), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), info.Size)
		assert.True(t, info.AcceptsRanges)
		assert.Equal(t, `"v1"`, info.ETag)
		assert.Equal(t, "resource.bin", info.Filename)
		assert.Equal(t, []string{"bytes=0-0"}, srv.RangeRequests())
	})

	t.Run("ranges ignored", func(t *testing.T) {
		srv := testutil.NewRangeServer(t, data)
		srv.DisableRanges()

		info, err := newTestClient(nil).Probe(context.Background(), srv.URL(), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), info.Size)
		assert.False(t, info.AcceptsRanges)
	})

	t.Run("empty resource", func(t *testing.T) {
		srv := testutil.NewRangeServer(t, []byte{})

		info, err := newTestClient(nil).Probe(context.Background(), srv.URL(), nil)
		require.NoError(t, err)
		assert.Zero(t, info.Size)
	})

	t.Run("unknown size", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			_, _ = w.Write([]byte("streamed"))
		}))
		defer srv.Close()

		info, err := newTestClient(nil).Probe(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, UnknownSize, info.Size)
		assert.False(t, info.AcceptsRanges)
	})

	t.Run("not found is not retried", func(t *testing.T) {
		var hits int

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			http.NotFound(w, nil)
		}))
		defer srv.Close()

		clk := clock.NewManual(time.Unix(0, 0))

		_, err := newTestClient(clk).Probe(context.Background(), srv.URL, nil)

		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
		assert.Equal(t, 1, hits)
		assert.Empty(t, clk.Sleeps())
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := newTestClient(nil).Probe(context.Background(), "://nope", nil)

		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr)
		assert.Equal(t, "url", valErr.Field)
	})
}

func TestProbe_RetriesTransientFailures(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.GenerateData(64))
	srv.FailRange(0, 2)

	clk := clock.NewManual(time.Unix(0, 0))

	info, err := newTestClient(clk).Probe(context.Background(), srv.URL(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(64), info.Size)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Sleeps())
	assert.Len(t, srv.RangeRequests(), 3)
}

func TestProbe_GivesUpAfterRetryBudget(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.GenerateData(64))
	srv.FailRange(0, 10)

	clk := clock.NewManual(time.Unix(0, 0))

	_, err := newTestClient(clk).Probe(context.Background(), srv.URL(), nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Len(t, clk.Sleeps(), 2)
	assert.Len(t, srv.RangeRequests(), 3)
}

func TestGetRange(t *testing.T) {
	data := testutil.GenerateData(1000)
	srv := testutil.NewRangeServer(t, data)
	client := newTestClient(nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		start     int64
		end       int64
		wantStart int64
		wantEnd   int64
	}{
		{name: "bounded", start: 100, end: 199, wantStart: 100, wantEnd: 199},
		{name: "open ended", start: 900, end: -1, wantStart: 900, wantEnd: 999},
		{name: "clamped to size", start: 990, end: 5000, wantStart: 990, wantEnd: 999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.GetRange(ctx, srv.URL(), nil, tt.start, tt.end)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.True(t, resp.Partial)
			assert.Equal(t, tt.wantStart, resp.Start)
			assert.Equal(t, tt.wantEnd, resp.End)
			assert.Equal(t, int64(1000), resp.Total)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, data[tt.wantStart:tt.wantEnd+1], body)
		})
	}

	t.Run("beyond the resource", func(t *testing.T) {
		_, err := client.GetRange(ctx, srv.URL(), nil, 1000, -1)

		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.ErrorIs(t, err, ErrResourceChanged)
	})

	t.Run("full body when ranges are ignored", func(t *testing.T) {
		plain := testutil.NewRangeServer(t, data)
		plain.DisableRanges()

		resp, err := client.GetRange(ctx, plain.URL(), nil, 500, 599)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.False(t, resp.Partial)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int64(1000), resp.Total)
	})
}

func TestGetRange_RequestHeaders(t *testing.T) {
	var (
		mu     sync.Mutex
		header http.Header
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		header = r.Header.Clone()
		mu.Unlock()

		w.Header().Set("Content-Range", "bytes 0-3/4")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	client := NewClient(Options{UserAgent: "rangefetch/1.0", Token: "secret"})

	resp, err := client.GetRange(context.Background(), srv.URL, nil, 0, 3)
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	assert.Equal(t, "bytes=0-3", header.Get("Range"))
	assert.Equal(t, "rangefetch/1.0", header.Get("User-Agent"))
	assert.Equal(t, "identity", header.Get("Accept-Encoding"))
	assert.Equal(t, "Bearer secret", header.Get("Authorization"))
	mu.Unlock()

	taskHeaders := map[string]string{"Referer": "https://example.com/page", "user-agent": "custom/2.0"}

	t.Run("task headers on ranged requests", func(t *testing.T) {
		resp, err := client.GetRange(context.Background(), srv.URL, taskHeaders, 0, 3)
		require.NoError(t, err)
		resp.Body.Close()

		mu.Lock()
		defer mu.Unlock()

		assert.Equal(t, "https://example.com/page", header.Get("Referer"))
		assert.Equal(t, "custom/2.0", header.Get("User-Agent"), "task headers override the default user agent")
		assert.Equal(t, "bytes=0-3", header.Get("Range"))
	})

	t.Run("task headers on the probe", func(t *testing.T) {
		info, err := client.Probe(context.Background(), srv.URL, taskHeaders)
		require.NoError(t, err)
		assert.Equal(t, int64(4), info.Size)

		mu.Lock()
		defer mu.Unlock()

		assert.Equal(t, "https://example.com/page", header.Get("Referer"))
		assert.Equal(t, "bytes=0-0", header.Get("Range"))
		assert.Equal(t, "identity", header.Get("Accept-Encoding"))
	})
}

func TestValidateHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		wantErr bool
	}{
		{name: "none", headers: nil},
		{name: "regular headers", headers: map[string]string{"Referer": "https://example.com", "Cookie": "a=b"}},
		{name: "invalid name", headers: map[string]string{"Bad Header": "x"}, wantErr: true},
		{name: "invalid value", headers: map[string]string{"X-Token": "a\r\nInjected: 1"}, wantErr: true},
		{name: "range is managed", headers: map[string]string{"range": "bytes=0-"}, wantErr: true},
		{name: "encoding is managed", headers: map[string]string{"Accept-Encoding": "gzip"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHeaders(tt.headers)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}

			var valErr *ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, "headers", valErr.Field)
		})
	}
}

func TestGetRange_ReadTimeout(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.GenerateData(4096))
	srv.HoldAfter(16)

	client := NewClient(Options{ReadTimeout: 100 * time.Millisecond})

	resp, err := client.GetRange(context.Background(), srv.URL(), nil, 0, 4095)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	require.ErrorIs(t, err, ErrReadTimeout)
	assert.True(t, IsTransient(err))
}

func TestGetRange_CancelPassesThrough(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.GenerateData(4096))
	srv.HoldAfter(16)

	ctx, cancel := context.WithCancel(context.Background())

	resp, err := newTestClient(nil).GetRange(ctx, srv.URL(), nil, 0, 4095)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 16)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)

	cancel()

	_, err = io.ReadAll(resp.Body)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=0-99", RangeHeader(0, 99))
	assert.Equal(t, "bytes=512-", RangeHeader(512, -1))
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		value   string
		start   int64
		end     int64
		total   int64
		wantErr bool
	}{
		{value: "bytes 0-0/1000", start: 0, end: 0, total: 1000},
		{value: "bytes 100-199/1000", start: 100, end: 199, total: 1000},
		{value: "bytes 0-9/*", start: 0, end: 9, total: UnknownSize},
		{value: "bytes */0", start: 0, end: -1, total: 0},
		{value: "bytes 10-5/100", wantErr: true},
		{value: "bytes 0-1000/1000", wantErr: true},
		{value: "items 0-1/2", wantErr: true},
		{value: "bytes 0-9", wantErr: true},
		{value: "bytes a-9/10", wantErr: true},
		{value: "bytes 0-9/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			start, end, total, err := parseContentRange(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
			assert.Equal(t, tt.total, total)
		})
	}
}

func TestDispositionFilename(t *testing.T) {
	assert.Equal(t, "report.pdf", dispositionFilename(`attachment; filename="report.pdf"`))
	assert.Equal(t, "naïve.txt", dispositionFilename(`attachment; filename*=UTF-8''na%C3%AFve.txt`))
	assert.Empty(t, dispositionFilename("inline"))
	assert.Empty(t, dispositionFilename(""))
	assert.Empty(t, dispositionFilename(`attachment; filename="unterminated`))
}

func TestIsTransient_ContextErrors(t *testing.T) {
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.Join(context.DeadlineExceeded)))
}
