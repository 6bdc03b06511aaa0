package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInteraction_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	a := o.newManager(t, Config{ClientID: "client-a"}, "tab-1")
	b := o.newManager(t, Config{ClientID: "client-b"}, "tab-1")

	require.NoError(t, a.BeginInteraction(ctx, InteractionTypeRedirect))

	t.Run("another client cannot begin", func(t *testing.T) {
		require.ErrorIs(t, b.BeginInteraction(ctx, InteractionTypePopup), ErrInteractionInProgress)
	})

	t.Run("the holder cannot begin again", func(t *testing.T) {
		require.ErrorIs(t, a.BeginInteraction(ctx, InteractionTypePopup), ErrInteractionInProgress)
	})

	t.Run("end by another client is a no-op", func(t *testing.T) {
		require.NoError(t, b.EndInteraction(ctx))
		holder, err := a.InteractionHolder(ctx)
		require.NoError(t, err)
		require.NotNil(t, holder)
		assert.Equal(t, "client-a", holder.ClientID)
		assert.Equal(t, InteractionTypeRedirect, holder.Type)
	})

	t.Run("end by the holder frees the flag", func(t *testing.T) {
		require.NoError(t, a.EndInteraction(ctx))
		busy, err := b.InteractionInProgress(ctx)
		require.NoError(t, err)
		assert.False(t, busy)

		require.NoError(t, b.BeginInteraction(ctx, InteractionTypePopup))
		require.NoError(t, b.EndInteraction(ctx))
	})

	t.Run("end while free is a no-op", func(t *testing.T) {
		require.NoError(t, a.EndInteraction(ctx))
	})
}

func TestInteraction_SeparateTabs(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	a := o.newManager(t, Config{ClientID: "client-a"}, "tab-1")
	b := o.newManager(t, Config{ClientID: "client-a"}, "tab-2")

	require.NoError(t, a.BeginInteraction(ctx, InteractionTypeRedirect))
	require.NoError(t, b.BeginInteraction(ctx, InteractionTypeRedirect), "flags are tab scoped")
}

func TestInteraction_ConcurrentBegin(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)

	const contexts = 8
	managers := make([]*Manager, contexts)
	for i := range managers {
		managers[i] = o.newManager(t, Config{ClientID: fmt.Sprintf("client-%d", i)}, "tab-1")
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for _, m := range managers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.BeginInteraction(ctx, InteractionTypePopup)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrInteractionInProgress)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestInteraction_MalformedFlagIsFree(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	m := o.newManager(t, Config{ClientID: "client-a"}, "tab-1")

	require.NoError(t, o.origin.Session("tab-1").Set(ctx, m.Keys().InteractionStatus(), "garbage"))

	busy, err := m.InteractionInProgress(ctx)
	require.NoError(t, err)
	assert.False(t, busy)

	require.NoError(t, m.BeginInteraction(ctx, InteractionTypeSilent))
}
