package transfer

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkError(t *testing.T) {
	tests := []struct {
		name      string
		err       *NetworkError
		message   string
		temporary bool
	}{
		{
			name:      "transport failure",
			err:       &NetworkError{Operation: "range_get", Message: "connection reset", Err: io.ErrUnexpectedEOF},
			message:   "network error during range_get: connection reset",
			temporary: true,
		},
		{
			name:      "server error",
			err:       &NetworkError{Operation: "probe", StatusCode: 503, Message: "Service Unavailable"},
			message:   "network error during probe (HTTP 503): Service Unavailable",
			temporary: true,
		},
		{
			name:      "rate limited",
			err:       &NetworkError{Operation: "probe", StatusCode: 429, Message: "Too Many Requests"},
			message:   "network error during probe (HTTP 429): Too Many Requests",
			temporary: true,
		},
		{
			name:      "request timeout",
			err:       &NetworkError{Operation: "range_get", StatusCode: 408, Message: "Request Timeout"},
			message:   "network error during range_get (HTTP 408): Request Timeout",
			temporary: true,
		},
		{
			name:      "not found",
			err:       &NetworkError{Operation: "probe", StatusCode: 404, Message: "Not Found"},
			message:   "network error during probe (HTTP 404): Not Found",
			temporary: false,
		},
		{
			name:      "forbidden",
			err:       &NetworkError{Operation: "range_get", StatusCode: 403, Message: "Forbidden"},
			message:   "network error during range_get (HTTP 403): Forbidden",
			temporary: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.message, tt.err.Error())
			assert.Equal(t, tt.temporary, tt.err.Temporary())
			assert.Equal(t, tt.temporary, IsTransient(fmt.Errorf("segment 2: %w", tt.err)))
		})
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	err := &NetworkError{Operation: "read_body", Message: "no data within read timeout", Err: ErrReadTimeout}
	assert.ErrorIs(t, err, ErrReadTimeout)

	var target *NetworkError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &target)
	assert.Equal(t, "read_body", target.Operation)
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{Operation: "range_get", Reason: "status 200 for ranged request", Err: ErrRangeIgnored}

	assert.Equal(t, "protocol error during range_get: status 200 for ranged request", err.Error())
	assert.ErrorIs(t, err, ErrRangeIgnored)
	assert.NotErrorIs(t, err, ErrResourceChanged)
	assert.False(t, IsTransient(err))
}

func TestFilesystemError(t *testing.T) {
	cause := errors.New("no space left on device")
	err := &FilesystemError{Op: "write", Path: "/tmp/a/0.part", Err: cause}

	assert.Equal(t, "filesystem error: write /tmp/a/0.part: no space left on device", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsTransient(err))
}

func TestMergeError(t *testing.T) {
	withCause := &MergeError{Path: "/out/file.bin", Reason: "rename", Err: io.ErrClosedPipe}
	assert.Equal(t, "merge of /out/file.bin failed: rename: io: read/write on closed pipe", withCause.Error())
	assert.ErrorIs(t, withCause, io.ErrClosedPipe)

	bare := &MergeError{Path: "/out/file.bin", Reason: "size mismatch"}
	assert.Equal(t, "merge of /out/file.bin failed: size mismatch", bare.Error())
	assert.NoError(t, bare.Unwrap())
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "connections", Reason: "must be between 1 and 32"}
	assert.Equal(t, "invalid connections: must be between 1 and 32", err.Error())
	assert.False(t, IsTransient(err))
}

func TestIsTransient_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
}
