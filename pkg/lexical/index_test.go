package lexical

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(chunkID, docID, content string) Entry {
	return Entry{ChunkID: chunkID, DocumentID: docID, Content: content}
}

func TestSearchRanksByRelevance(t *testing.T) {
	ix := NewIndex()
	ctx := context.Background()

	require.NoError(t, ix.ReplaceDocument(ctx, "demo", "d1", []Entry{
		entry("c1", "d1", "The capital of Atlantis is Sunhaven, a coastal city."),
	}))
	require.NoError(t, ix.ReplaceDocument(ctx, "demo", "d2", []Entry{
		entry("c2", "d2", "Shipping rates are updated every quarter."),
		entry("c3", "d2", "Atlantis customs require an import permit."),
	}))

	results, err := ix.Search(ctx, "demo", "What is the capital of Atlantis?", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "c1", results[0].Entry.ChunkID)
}

func TestProjectPartitionIsolation(t *testing.T) {
	ix := NewIndex()
	ctx := context.Background()

	require.NoError(t, ix.ReplaceDocument(ctx, "alpha", "d1", []Entry{
		entry("c1", "d1", "pricing for the enterprise plan"),
	}))

	results, err := ix.Search(ctx, "beta", "enterprise pricing", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.True(t, ix.Has("alpha", "c1"))
	assert.False(t, ix.Has("beta", "c1"))
}

func TestReplaceDocumentSwapsChunkSet(t *testing.T) {
	ix := NewIndex()
	ctx := context.Background()

	require.NoError(t, ix.ReplaceDocument(ctx, "demo", "d1", []Entry{
		entry("c1", "d1", "old content about widgets"),
		entry("c2", "d1", "more old content"),
	}))
	require.NoError(t, ix.ReplaceDocument(ctx, "demo", "d1", []Entry{
		entry("c3", "d1", "new content about gadgets"),
	}))

	assert.False(t, ix.Has("demo", "c1"))
	assert.False(t, ix.Has("demo", "c2"))
	assert.True(t, ix.Has("demo", "c3"))
	assert.Equal(t, 1, ix.Size("demo"))

	results, err := ix.Search(ctx, "demo", "widgets", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteDocumentRemovesAllChunks(t *testing.T) {
	ix := NewIndex()
	ctx := context.Background()

	require.NoError(t, ix.ReplaceDocument(ctx, "demo", "d1", []Entry{
		entry("c1", "d1", "alpha beta gamma"),
	}))
	require.NoError(t, ix.DeleteDocument(ctx, "demo", "d1"))

	assert.Equal(t, 0, ix.Size("demo"))
	results, err := ix.Search(ctx, "demo", "alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}
