package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/rangefetch/internal/clock"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/oauth2"
)

// UnknownSize is reported when the server does not disclose the resource length.
const UnknownSize int64 = -1

// probeDrainLimit is the largest probe body read to the end so its connection can be
// reused; larger bodies are closed unread.
const probeDrainLimit = 64 << 10

// Options configures the source HTTP client.
type Options struct {
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	UserAgent           string
	MaxIdleConnsPerHost int
	// Token, when set, is sent as a bearer token on every request.
	Token      string
	ProbeRetry retry.Policy
	Clock      clock.Clock
}

// ResourceInfo is what the probe learned about a remote resource.
type ResourceInfo struct {
	Size          int64
	AcceptsRanges bool
	ETag          string
	LastModified  string
	ContentType   string
	// Filename comes from Content-Disposition and is empty when the server sent none.
	Filename string
}

// RangeResponse is an open response to a ranged GET. The caller must close Body.
type RangeResponse struct {
	Body          io.ReadCloser
	StatusCode    int
	Partial       bool
	Start         int64
	End           int64
	Total         int64
	ContentLength int64
}

// Client issues probes and ranged GETs against source servers.
type Client struct {
	http *http.Client
	opts Options
}

// NewClient builds a client with a transport tuned for many long lived parallel connections.
func NewClient(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 16
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	var rt http.RoundTripper = otelhttp.NewTransport(base)

	if opts.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
			Base:   rt,
		}
	}

	return &Client{
		http: &http.Client{Transport: rt},
		opts: opts,
	}
}

// Probe learns the size and range support of url with a one byte ranged GET, retrying
// transient failures per the probe retry policy. headers are added to the request.
func (c *Client) Probe(ctx context.Context, url string, headers map[string]string) (*ResourceInfo, error) {
	logger := logctx.LoggerFromContext(ctx)

	for retries := 0; ; retries++ {
		info, err := c.probeOnce(ctx, url, headers)
		if err == nil {
			logger.DebugContext(ctx, "probed resource",
				"size", sizeString(info.Size),
				"accepts_ranges", info.AcceptsRanges,
				"etag", info.ETag,
			)

			return info, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !IsTransient(err) || c.opts.ProbeRetry.Exhausted(retries+1) {
			return nil, err
		}

		delay := c.opts.ProbeRetry.Delay(retries + 1)
		logger.WarnContext(ctx, "probe failed, retrying", "attempt", retries+1, "delay", delay, "err", err)

		if err := retry.Sleep(ctx, c.opts.Clock, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) probeOnce(ctx context.Context, url string, headers map[string]string) (*ResourceInfo, error) {
	req, err := c.newRequest(ctx, url, headers)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &NetworkError{Operation: "probe", Message: err.Error(), Err: err}
	}

	defer func() {
		if resp.ContentLength >= 0 && resp.ContentLength <= probeDrainLimit {
			_, _ = io.Copy(io.Discard, resp.Body)
		}

		resp.Body.Close()
	}()

	info := &ResourceInfo{
		Size:         UnknownSize,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
		Filename:     dispositionFilename(resp.Header.Get("Content-Disposition")),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, &ProtocolError{Operation: "probe", Reason: err.Error(), Err: err}
		}

		info.Size = total
		info.AcceptsRanges = total != UnknownSize
	case http.StatusOK:
		info.Size = resp.ContentLength
		if info.Size < 0 {
			info.Size = UnknownSize
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// Servers answer bytes=0-0 on an empty resource with 416 and "bytes */0".
		_, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || total != 0 {
			return nil, &ProtocolError{Operation: "probe", Reason: "range not satisfiable", Err: ErrRangeIgnored}
		}

		info.Size = 0
		info.AcceptsRanges = true
	default:
		return nil, statusError("probe", resp)
	}

	return info, nil
}

// GetRange requests bytes [start, end] of url; end < 0 requests everything from start.
// A 200 response is returned as is with Partial false; interpreting it is up to the caller.
func (c *Client) GetRange(ctx context.Context, url string, headers map[string]string, start, end int64) (*RangeResponse, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := c.newRequest(reqCtx, url, headers)
	if err != nil {
		cancel()

		return nil, err
	}

	req.Header.Set("Range", RangeHeader(start, end))

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &NetworkError{Operation: "range_get", Message: err.Error(), Err: err}
	}

	out := &RangeResponse{
		StatusCode:    resp.StatusCode,
		Total:         UnknownSize,
		ContentLength: resp.ContentLength,
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		out.Partial = true

		out.Start, out.End, out.Total, err = parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			cancel()

			return nil, &ProtocolError{Operation: "range_get", Reason: err.Error(), Err: err}
		}
	case http.StatusOK:
		out.Start = 0
		out.End = resp.ContentLength - 1
		out.Total = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		cancel()

		return nil, &ProtocolError{
			Operation: "range_get",
			Reason:    fmt.Sprintf("offset %d not satisfiable", start),
			Err:       ErrResourceChanged,
		}
	default:
		resp.Body.Close()
		cancel()

		return nil, statusError("range_get", resp)
	}

	out.Body = newTimeoutBody(ctx, resp.Body, c.opts.ReadTimeout, cancel)

	return out, nil
}

func (c *Client) newRequest(ctx context.Context, url string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ValidationError{Field: "url", Reason: err.Error()}
	}

	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// Byte offsets must refer to the stored representation, never a compressed one.
	req.Header.Set("Accept-Encoding", "identity")

	return req, nil
}

// reservedHeaders are set by the client itself and cannot be overridden per task.
var reservedHeaders = map[string]struct{}{
	"Accept-Encoding":   {},
	"Connection":        {},
	"Content-Length":    {},
	"Host":              {},
	"If-Range":          {},
	"Range":             {},
	"Te":                {},
	"Trailer":           {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

// ValidateHeaders checks per task request headers: names and values must be valid HTTP
// tokens and none may replace a header the client manages.
func ValidateHeaders(headers map[string]string) error {
	for k, v := range headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return &ValidationError{Field: "headers", Reason: fmt.Sprintf("invalid header name %q", k)}
		}

		if !httpguts.ValidHeaderFieldValue(v) {
			return &ValidationError{Field: "headers", Reason: fmt.Sprintf("invalid value for header %q", k)}
		}

		if _, ok := reservedHeaders[http.CanonicalHeaderKey(k)]; ok {
			return &ValidationError{Field: "headers", Reason: fmt.Sprintf("header %q cannot be overridden", k)}
		}
	}

	return nil
}

// RangeHeader formats a Range header value; end < 0 leaves the range open.
func RangeHeader(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}

	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// parseContentRange parses "bytes start-end/total", "bytes start-end/*" and "bytes */total".
func parseContentRange(v string) (start, end, total int64, err error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}

	rng, size, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}

	total = UnknownSize
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil || total < 0 {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range total %q", v)
		}
	}

	if rng == "*" {
		return 0, -1, total, nil
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start %q", v)
	}

	if end, err = strconv.ParseInt(last, 10, 64); err != nil || end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end %q", v)
	}

	if total != UnknownSize && end >= total {
		return 0, 0, 0, fmt.Errorf("content range %q exceeds total", v)
	}

	return start, end, total, nil
}

func dispositionFilename(v string) string {
	if v == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}

	return params["filename"]
}

func statusError(op string, resp *http.Response) error {
	return &NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.IBytes(uint64(n))
}

// timeoutBody fails a read that makes no progress within timeout and converts transport
// read errors into NetworkError. Cancellation of the parent context is passed through
// untouched so callers can tell a pause from a failure.
type timeoutBody struct {
	parent  context.Context
	rc      io.ReadCloser
	cancel  context.CancelFunc
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newTimeoutBody(parent context.Context, rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *timeoutBody {
	b := &timeoutBody{parent: parent, rc: rc, cancel: cancel, timeout: timeout}

	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, func() {
			b.expired.Store(true)
			cancel()
		})
	}

	return b
}

func (b *timeoutBody) Read(p []byte) (int, error) {
	if b.timer != nil {
		b.timer.Reset(b.timeout)
	}

	n, err := b.rc.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}

	if b.parent.Err() != nil {
		return n, b.parent.Err()
	}

	if b.expired.Load() {
		return n, &NetworkError{Operation: "read_body", Message: "no data within read timeout", Err: ErrReadTimeout}
	}

	return n, &NetworkError{Operation: "read_body", Message: err.Error(), Err: err}
}

func (b *timeoutBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}

	err := b.rc.Close()
	b.cancel()

	return err
}
