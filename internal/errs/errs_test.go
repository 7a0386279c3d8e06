package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindCodeAndRetryable(t *testing.T) {
	cases := []struct {
		k         Kind
		code      string
		retryable bool
	}{
		{Validation, "VALIDATION", false},
		{TransportClosed, "TRANSPORT_CLOSED", false},
		{Backpressure, "BACKPRESSURE", true},
		{RuntimeRestart, "RUNTIME_RESTART", true},
		{CircuitOpen, "CIRCUIT_OPEN", true},
		{ModelNotFound, "MODEL_NOT_FOUND", false},
		{ModelInvalidated, "MODEL_INVALIDATED", false},
		{AdmitRejected, "ADMIT_REJECTED", true},
		{Timeout, "TIMEOUT", false},
		{GenerationError, "GENERATION_ERROR", false},
		{CacheCorrupt, "CACHE_CORRUPT", false},
		{Aborted, "ABORTED", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, c.k.Code())
		assert.Equal(t, c.retryable, c.k.Retryable())
	}
}

func TestErrorWrapAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(Timeout, cause, "stream %s idle", "s-1").WithField("stream_id", "s-1")
	require.ErrorIs(t, e, cause)
	assert.Equal(t, "s-1", e.Fields["stream_id"])
	assert.False(t, e.Retryable())
	assert.Contains(t, e.Error(), "TIMEOUT")
}

func TestIs(t *testing.T) {
	e := New(Backpressure, "queue full")
	assert.True(t, Is(e, Backpressure))
	assert.False(t, Is(e, Timeout))
	assert.False(t, Is(errors.New("plain"), Backpressure))
}
