package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesTypeAndStack(t *testing.T) {
	err := New(ErrorTypeConnection, "broker unreachable")

	assert.Equal(t, ErrorTypeConnection, err.Type)
	assert.Contains(t, err.Error(), "connection: broker unreachable")
	assert.NotEmpty(t, err.Stack)
}

func TestNewf(t *testing.T) {
	err := Newf(ErrorTypeConfig, "invalid acks level %q", "quorum")
	assert.Contains(t, err.Error(), `invalid acks level "quorum"`)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection reset by peer")
	err := Wrap(cause, ErrorTypeTransient, "kafka produce failed")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeTransient, "ignored"))
}

func TestWrapPreservesOriginalStack(t *testing.T) {
	inner := New(ErrorTypeTransient, "receive failed")
	outer := Wrap(inner, ErrorTypeConnection, "reconnect attempts exhausted")

	assert.Equal(t, inner.Stack, outer.Stack)
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeConnection, "exhausted").WithDetail("max_attempts", 5)
	assert.Equal(t, 5, err.Details["max_attempts"])
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(ErrorTypeTransient, "x")))
	assert.True(t, IsTransient(New(ErrorTypeTimeout, "x")))
	assert.False(t, IsTransient(New(ErrorTypeConnection, "x")))
	assert.False(t, IsTransient(stderrors.New("plain")))
}

func TestIsFatal(t *testing.T) {
	for _, typ := range []ErrorType{ErrorTypeConnection, ErrorTypePayload, ErrorTypeUnavailable, ErrorTypeConfig} {
		assert.True(t, IsFatal(New(typ, "x")), string(typ))
	}
	for _, typ := range []ErrorType{ErrorTypeTransient, ErrorTypeThrottling, ErrorTypeTimeout, ErrorTypeHandler, ErrorTypeInternal} {
		assert.False(t, IsFatal(New(typ, "x")), string(typ))
	}
}

func TestIsThrottling(t *testing.T) {
	assert.True(t, IsThrottling(New(ErrorTypeThrottling, "rate exceeded")))
	assert.False(t, IsThrottling(New(ErrorTypeTransient, "x")))
}

func TestIsTypeThroughWrapping(t *testing.T) {
	inner := New(ErrorTypePayload, "too large")
	wrapped := fmt.Errorf("send: %w", inner)

	assert.True(t, IsType(wrapped, ErrorTypePayload))
	assert.False(t, IsType(wrapped, ErrorTypeTransient))
}

func TestAs(t *testing.T) {
	inner := New(ErrorTypeThrottling, "slow down")
	wrapped := fmt.Errorf("produce: %w", inner)

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeThrottling, e.Type)

	_, ok = As(stderrors.New("plain"))
	assert.False(t, ok)
}
