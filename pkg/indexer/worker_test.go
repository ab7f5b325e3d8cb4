package indexer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/lexical"
	"github.com/lorekeep/lorekeep/pkg/vector"
)

type fakeVectorProvider struct {
	mu      sync.Mutex
	deletes []map[string]any
}

func (f *fakeVectorProvider) Name() string { return "fake" }

func (f *fakeVectorProvider) EnsureCollection(context.Context, string, int) error { return nil }

func (f *fakeVectorProvider) Upsert(context.Context, string, []vector.Point) error { return nil }

func (f *fakeVectorProvider) Search(context.Context, string, []float32, int) ([]vector.Result, error) {
	return nil, nil
}

func (f *fakeVectorProvider) DeleteByFilter(_ context.Context, _ string, filter map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, filter)
	return nil
}

func (f *fakeVectorProvider) DropCollection(context.Context, string) error { return nil }

func (f *fakeVectorProvider) Ping(context.Context) error { return nil }

func (f *fakeVectorProvider) Close() error { return nil }

func TestRemoveDocumentUnpublishesBothIndices(t *testing.T) {
	ctx := context.Background()
	lex := lexical.NewIndex()
	vectors := &fakeVectorProvider{}
	worker := NewWorker(Config{}, nil, vectors, lex, nil, nil)

	entries := []lexical.Entry{
		{ChunkID: "c1", DocumentID: "d1", Content: "we open at nine"},
		{ChunkID: "c2", DocumentID: "d1", Content: "we close at five"},
	}
	require.NoError(t, lex.ReplaceDocument(ctx, "acme", "d1", entries))
	require.True(t, lex.Has("acme", "c1"))

	worker.RemoveDocument(ctx, "acme", "d1")

	assert.False(t, lex.Has("acme", "c1"))
	assert.False(t, lex.Has("acme", "c2"))
	require.Len(t, vectors.deletes, 1)
	assert.Equal(t, "d1", vectors.deletes[0]["document_id"])
}

func TestFailureBudgetRetriesBeforeSkip(t *testing.T) {
	worker := NewWorker(Config{}, nil, &fakeVectorProvider{}, lexical.NewIndex(), nil, nil)

	assert.Equal(t, 1, worker.noteFailure("d1"))
	assert.Equal(t, 2, worker.noteFailure("d1"))
	assert.Equal(t, maxIndexAttempts, worker.noteFailure("d1"))

	// A success resets the budget.
	worker.clearFailures("d1")
	assert.Equal(t, 1, worker.noteFailure("d1"))

	// Documents fail independently.
	assert.Equal(t, 1, worker.noteFailure("d2"))
}
