package indexer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkShortContentSingleChunk(t *testing.T) {
	c := NewChunker(ChunkerConfig{Size: 100, Overlap: 20})

	chunks := c.Chunk("a short document")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short document", chunks[0].Content)
	assert.Equal(t, 1, chunks[0].Total)
}

func TestChunkEmptyContent(t *testing.T) {
	c := NewChunker(ChunkerConfig{Size: 100, Overlap: 20})
	assert.Empty(t, c.Chunk("   \n\n  "))
}

func TestChunkRespectsSizeAndOverlap(t *testing.T) {
	c := NewChunker(ChunkerConfig{Size: 120, Overlap: 30})

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("line with some searchable words here\n")
	}
	chunks := c.Chunk(sb.String())
	require.Greater(t, len(chunks), 1)

	for i, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk.Content), 2*120, "chunk %d too large", i)
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, len(chunks), chunk.Total)
	}

	// Consecutive chunks share their boundary lines.
	first := strings.Split(chunks[1].Content, "\n")[0]
	assert.Contains(t, chunks[0].Content, first)
}

func TestChunkSplitsPathologicalLine(t *testing.T) {
	c := NewChunker(ChunkerConfig{Size: 100, Overlap: 20})

	chunks := c.Chunk(strings.Repeat("x", 1000))
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk.Content), 200)
	}
}

func TestChunkIDDeterministic(t *testing.T) {
	a := ChunkID("demo:abc", 0, "content")
	b := ChunkID("demo:abc", 0, "content")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, ChunkID("demo:abc", 1, "content"))
	assert.NotEqual(t, a, ChunkID("demo:abc", 0, "other"))

	// Point ids must parse as UUIDs for the vector store.
	assert.Len(t, a, 36)
}
