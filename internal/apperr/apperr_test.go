package apperr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := New(KindRouting, "location is disabled")
	err := errors.Wrap(base, "enqueue")

	require.Equal(t, KindRouting, KindOf(err))
	require.True(t, Is(err, KindRouting))
	require.False(t, Is(err, KindConflict))
	require.Equal(t, "location is disabled", Reason(err))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	err := errors.New("boom")
	require.Equal(t, KindInternal, KindOf(err))
	require.Equal(t, "boom", Reason(err))
	require.Equal(t, Kind(""), KindOf(nil))
	require.False(t, Is(nil, KindInternal))
}

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("duplicate key")
	err := Wrap(KindConflict, cause, "print job already active")

	require.Equal(t, "conflict: print job already active: duplicate key", err.Error())
	require.ErrorIs(t, err, cause)
	require.Equal(t, "not_found: application 7 not found", NotFound("application", 7).Error())
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(New(KindConflict, "x")))
	require.True(t, Retryable(New(KindNoCapacity, "x")))
	require.True(t, Retryable(errors.New("network")))
	require.False(t, Retryable(New(KindValidation, "x")))
	require.False(t, Retryable(New(KindRetryExhausted, "x")))
}
