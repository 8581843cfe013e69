package apperr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEKeepsSentinelAndCause(t *testing.T) {
	err := E("resume.Extract", ErrExtractionFailed, io.ErrUnexpectedEOF)

	require.ErrorIs(t, err, ErrExtractionFailed)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, KindValidation, KindOf(err))
	require.Contains(t, err.Error(), "resume.Extract")
}

func TestEWithoutCause(t *testing.T) {
	err := E("lifecycle.Transition", ErrInvalidTransition, nil)

	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, KindInvalidTransition, KindOf(err))
	require.Equal(t, "lifecycle.Transition: invalid status transition", err.Error())
}

func TestKindOfUnclassified(t *testing.T) {
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, KindInternal, KindOf(nil))
}

func TestOuterSentinelWins(t *testing.T) {
	inner := E("store.Get", ErrNotFound, nil)
	err := E("lifecycle.Delete", ErrDeleteForbidden, inner)

	require.Equal(t, KindForbidden, KindOf(err))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "unavailable", err: E("score", ErrOracleUnavailable, io.EOF), want: true},
		{name: "rate limited", err: ErrRateLimited, want: true},
		{name: "malformed", err: E("score", ErrMalformedResponse, nil), want: false},
		{name: "rejected", err: ErrOracleRejected, want: false},
		{name: "plain", err: errors.New("x"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestKindString(t *testing.T) {
	require.Equal(t, "schema", KindSchema.String())
	require.Equal(t, "internal", Kind(99).String())
}
