package retriever

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/lexical"
	"github.com/lorekeep/lorekeep/pkg/vector"
)

type fakeVectors struct {
	results []vector.Result
	err     error
}

func (f *fakeVectors) Name() string { return "fake" }
func (f *fakeVectors) EnsureCollection(context.Context, string, int) error {
	return nil
}
func (f *fakeVectors) Upsert(context.Context, string, []vector.Point) error { return nil }
func (f *fakeVectors) Search(context.Context, string, []float32, int) ([]vector.Result, error) {
	return f.results, f.err
}
func (f *fakeVectors) DeleteByFilter(context.Context, string, map[string]any) error { return nil }
func (f *fakeVectors) DropCollection(context.Context, string) error                 { return nil }
func (f *fakeVectors) Ping(context.Context) error                                   { return nil }
func (f *fakeVectors) Close() error                                                 { return nil }

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
func (f *fakeEmbedder) Model() string  { return "fake-embed" }
func (f *fakeEmbedder) Dimension() int { return 3 }

func denseHit(chunkID, content string) vector.Result {
	return vector.Result{
		ID:    chunkID,
		Score: 0.9,
		Metadata: map[string]any{
			"content":     content,
			"document_id": "doc-" + chunkID,
		},
	}
}

func publish(t *testing.T, ix *lexical.Index, project, docID string, entries ...lexical.Entry) {
	t.Helper()
	require.NoError(t, ix.ReplaceDocument(context.Background(), project, docID, entries))
}

func TestSearchFusesDenseAndLexical(t *testing.T) {
	ix := lexical.NewIndex()
	publish(t, ix, "demo", "d1",
		lexical.Entry{ChunkID: "c1", DocumentID: "d1", Content: "refund policy lasts thirty days"},
		lexical.Entry{ChunkID: "c2", DocumentID: "d1", Content: "shipping takes two business days"},
	)

	vectors := &fakeVectors{results: []vector.Result{
		denseHit("c2", "shipping takes two business days"),
		denseHit("c1", "refund policy lasts thirty days"),
	}}

	r := New(vectors, ix, &fakeEmbedder{}, nil, Options{})
	resp, err := r.Search(context.Background(), "demo", "refund policy", 5)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.Degraded)

	// c1 leads both on lexical rank and on the tie-break lexical score.
	assert.Equal(t, "c1", resp.Results[0].ChunkID)
}

func TestSearchFiltersUnpublishedDenseHits(t *testing.T) {
	ix := lexical.NewIndex()
	publish(t, ix, "demo", "d1",
		lexical.Entry{ChunkID: "c1", DocumentID: "d1", Content: "published entry about refunds"},
	)

	// c9 exists only in the vector index, so it must not surface.
	vectors := &fakeVectors{results: []vector.Result{
		denseHit("c9", "half published chunk about refunds"),
		denseHit("c1", "published entry about refunds"),
	}}

	r := New(vectors, ix, &fakeEmbedder{}, nil, Options{})
	resp, err := r.Search(context.Background(), "demo", "refunds", 5)
	require.NoError(t, err)
	for _, res := range resp.Results {
		assert.NotEqual(t, "c9", res.ChunkID)
	}
}

func TestSearchDegradesToLexicalOnVectorFailure(t *testing.T) {
	ix := lexical.NewIndex()
	publish(t, ix, "demo", "d1",
		lexical.Entry{ChunkID: "c1", DocumentID: "d1", Content: "warranty covers two years"},
	)

	vectors := &fakeVectors{err: errors.New("qdrant unreachable")}

	r := New(vectors, ix, &fakeEmbedder{}, nil, Options{})
	resp, err := r.Search(context.Background(), "demo", "warranty", 5)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "c1", resp.Results[0].ChunkID)
}

func TestSearchDegradesOnEmbeddingFailure(t *testing.T) {
	ix := lexical.NewIndex()
	publish(t, ix, "demo", "d1",
		lexical.Entry{ChunkID: "c1", DocumentID: "d1", Content: "warranty covers two years"},
	)

	r := New(&fakeVectors{}, ix, &fakeEmbedder{err: errors.New("embed down")}, nil, Options{})
	resp, err := r.Search(context.Background(), "demo", "warranty", 5)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Results, 1)
}

func TestDedupeKeepsHighestRanked(t *testing.T) {
	fused := []*candidate{
		{result: Result{ChunkID: "a", Content: "same text"}, contentHash: "h1", fusedScore: 0.9},
		{result: Result{ChunkID: "b", Content: "same text"}, contentHash: "h1", fusedScore: 0.5},
		{result: Result{ChunkID: "c", Content: "other text"}, contentHash: "h2", fusedScore: 0.4},
	}
	out := dedupeByContentHash(fused)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].result.ChunkID)
	assert.Equal(t, "c", out[1].result.ChunkID)
}

func TestFuseTieBreaksByLexicalScoreThenPriority(t *testing.T) {
	lex := []lexical.Result{
		{Entry: lexical.Entry{ChunkID: "low", Content: "x", Priority: 5}, Score: 1.0},
		{Entry: lexical.Entry{ChunkID: "high", Content: "y", Priority: 1}, Score: 3.0},
	}
	// Opposite ranks in the two lists make the RRF sums equal, so the
	// ordering falls to the lexical-score tie-break.
	dense := []vector.Result{
		denseHit("low", "x"),
		denseHit("high", "y"),
	}
	dense[0].Metadata["content_hash"] = "hx"
	dense[1].Metadata["content_hash"] = "hy"

	fused := fuse(dense, []lexical.Result{lex[1], lex[0]})
	require.Len(t, fused, 2)
	assert.Equal(t, "high", fused[0].result.ChunkID)
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "what is the price",
		normalizeQuery("  What   IS the\tPrice "))
}

func TestExcerptKeepsRunesIntact(t *testing.T) {
	// 3-byte runes with no spaces; the length cap lands mid-rune.
	long := strings.Repeat("漢", 300)
	out := excerpt(long)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), maxExcerptLen+len("…"))

	short := "store hours"
	assert.Equal(t, short, excerpt(short))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
}
