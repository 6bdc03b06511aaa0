package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumented_RoundTrip(t *testing.T) {
	is := NewInstrumented(NewMemory(), "memory")
	ctx := context.Background()

	require.NoError(t, is.Initialize(ctx))
	require.NoError(t, is.Set(ctx, "a", "1"))

	v, err := is.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	ok, err := is.Contains(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	keys, err := is.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, keys)

	require.NoError(t, is.Remove(ctx, "a"))
	_, err = is.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumented_CompareAndSwap(t *testing.T) {
	is := NewInstrumented(plainStorage{NewMemory()}, "memory")
	ctx := context.Background()

	swapped, err := is.CompareAndSwap(ctx, "flag", "", "held")
	require.NoError(t, err)
	require.True(t, swapped)

	swapped, err = is.CompareAndSwap(ctx, "flag", "", "other")
	require.NoError(t, err)
	require.False(t, swapped)
}

func TestInstrumented_Unwrap(t *testing.T) {
	m := NewMemory()
	is := NewInstrumented(m, "memory")
	require.Same(t, m, is.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "unavailable", outcomeFromError(ErrStoreUnavailable))
	require.Equal(t, "error", outcomeFromError(errors.New("boom")))
}
