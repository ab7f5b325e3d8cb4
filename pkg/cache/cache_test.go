package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	alpha := NewNamespace(store, NamespaceSearch, "alpha", time.Minute)
	beta := NewNamespace(store, NamespaceSearch, "beta", time.Minute)

	require.NoError(t, alpha.Set(ctx, "q1", []byte("alpha-result")))
	require.NoError(t, beta.Set(ctx, "q1", []byte("beta-result")))

	got, err := alpha.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha-result"), got)

	// Invalidating alpha must not touch beta.
	require.NoError(t, alpha.Invalidate(ctx))

	_, err = alpha.Get(ctx, "q1")
	assert.ErrorIs(t, err, ErrMiss)

	got, err = beta.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, []byte("beta-result"), got)
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 10*time.Millisecond))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	time.Sleep(20 * time.Millisecond)

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestInvalidateProjectSweepsAllNamespaces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, ns := range []string{NamespaceSearch, NamespaceEmbedding, NamespaceLLM, NamespaceTTS} {
		require.NoError(t, store.Set(ctx, Key(ns, "demo", "k"), []byte("v"), 0))
	}
	require.NoError(t, store.Set(ctx, Key(NamespaceSearch, "other", "k"), []byte("v"), 0))

	require.NoError(t, InvalidateProject(ctx, store, "demo"))

	assert.Equal(t, 1, store.Len())
	_, err := store.Get(ctx, Key(NamespaceSearch, "other", "k"))
	assert.NoError(t, err)
}
