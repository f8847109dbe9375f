package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(KindInsufficientBalance, "available balance below 10")
	wrapped := fmt.Errorf("create: %w", base)

	require.Equal(t, KindInsufficientBalance, KindOf(wrapped))
	require.True(t, Is(wrapped, KindInsufficientBalance))
	require.False(t, Retryable(wrapped))
	require.Equal(t, "available balance below 10", PublicMessage(wrapped))

	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestRetryableDefaults(t *testing.T) {
	require.True(t, Retryable(Transient(errors.New("rpc timeout"), "get receipt")))
	require.True(t, Retryable(New(KindOnChainFailure, "swap reverted")))
	require.True(t, Retryable(errors.New("unclassified")))
	require.False(t, Retryable(nil))

	for _, k := range OperatorKinds() {
		require.False(t, k.Retryable(), k)
		require.True(t, k.NeedsOperator(), k)
	}
	require.False(t, KindTransient.NeedsOperator())
}

func TestPublicMessageMasksInfrastructure(t *testing.T) {
	err := Wrap(KindLedgerInconsistent, errors.New("pq: deadlock detected"), "settle completed run")
	require.Equal(t, "internal error", PublicMessage(err))
	require.Contains(t, err.Error(), "deadlock")
	require.ErrorContains(t, errors.Unwrap(err), "deadlock")
	require.Equal(t, "internal error", PublicMessage(errors.New("raw")))
}
