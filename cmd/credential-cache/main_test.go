package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/credential-cache/cache"
	"github.com/wolfeidau/credential-cache/storage/structured"
)

func TestOpen_StructuredWhenOriginUnavailable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := &Globals{
		DB:           filepath.Join(dir, "missing", "origin.db"),
		StructuredDB: filepath.Join(dir, "records.db"),
		ClientID:     "client-1",
		Namespace:    "credcache",
		Location:     cache.LocationLocal,
	}

	e, err := g.open(ctx, logger, nil)
	require.NoError(t, err)
	generation := e.manager.Generation()
	require.NotEmpty(t, generation)

	a := &cache.Account{
		HomeAccountID: "uid.utid",
		Environment:   "login.example.com",
		Realm:         "utid",
		AuthorityType: cache.AuthorityTypeMSSTS,
	}
	require.NoError(t, e.manager.SetAccount(ctx, a))
	key := e.manager.Keys().Account(a)
	require.NoError(t, e.Close())

	sq, err := structured.New(g.StructuredDB)
	require.NoError(t, err)
	defer sq.Close()
	ok, err := sq.Contains(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("a restart keeps the secret and the cache", func(t *testing.T) {
		e, err := g.open(ctx, logger, nil)
		require.NoError(t, err)
		defer e.Close()

		assert.Equal(t, generation, e.manager.Generation())
		got, err := e.manager.GetAccount(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, a, got)
	})
}

func TestOpen_NoFallbackConfigured(t *testing.T) {
	g := &Globals{
		DB:        filepath.Join(t.TempDir(), "missing", "origin.db"),
		ClientID:  "client-1",
		Namespace: "credcache",
		Location:  cache.LocationLocal,
	}
	_, err := g.open(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.Error(t, err)
}
