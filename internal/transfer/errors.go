package transfer

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRangeIgnored means the server answered a ranged request with the full body.
	ErrRangeIgnored = errors.New("server ignored range request")
	// ErrResourceChanged means the remote length or validator no longer matches what was planned.
	ErrResourceChanged = errors.New("remote resource changed")
	// ErrReadTimeout means no body bytes arrived within the read timeout.
	ErrReadTimeout = errors.New("read timeout")
)

// NetworkError represents transport failures and error responses from the source server,
// including 5xx responses, resets and timeouts.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "probe", "range_get")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Status text or transport error description
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the request may succeed.
func (e *NetworkError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// ProtocolError represents a server that rejects or ignores range semantics, or whose
// responses contradict what was planned for the task.
type ProtocolError struct {
	Operation string // The operation that failed
	Reason    string // Human-readable explanation
	Err       error  // ErrRangeIgnored, ErrResourceChanged or a parse error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %s", e.Operation, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FilesystemError represents local storage failures such as a full disk or denied permission.
type FilesystemError struct {
	Op   string // e.g. "open", "write", "sync"
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// MergeError represents a failure to assemble segment artifacts into the final file.
type MergeError struct {
	Path   string // Destination path
	Reason string
	Err    error
}

func (e *MergeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("merge of %s failed: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("merge of %s failed: %s", e.Path, e.Reason)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// ValidationError represents a rejected submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsTransient reports whether err is a network failure worth retrying.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Temporary()
	}

	return false
}
