package prompt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/project"
	"github.com/lorekeep/lorekeep/pkg/retriever"
)

func testProject() *project.Project {
	return &project.Project{
		Slug:         "demo",
		SystemPrompt: "You are the support assistant for Acme.",
	}
}

func chunk(id, content string) retriever.Result {
	return retriever.Result{
		ChunkID:    id,
		DocumentID: "doc-" + id,
		SourceURL:  "https://acme.test/" + id,
		Title:      "Page " + id,
		Content:    content,
		Score:      1,
	}
}

func TestBuildOrdersMessages(t *testing.T) {
	b := NewBuilder(0)
	compiled := b.Build(testProject(),
		[]retriever.Result{chunk("c1", "Returns are accepted within 30 days.")},
		[]Turn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		"What is the return window?")

	require.Len(t, compiled.Messages, 5)
	assert.Equal(t, "system", compiled.Messages[0].Role)
	assert.Contains(t, compiled.Messages[0].Content, "Acme")
	assert.Contains(t, compiled.Messages[0].Content, project.DefaultNoAnswerSentinel)

	assert.Equal(t, "system", compiled.Messages[1].Role)
	assert.Contains(t, compiled.Messages[1].Content, "[1] Page c1 (https://acme.test/c1)")
	assert.Contains(t, compiled.Messages[1].Content, "Returns are accepted")

	assert.Equal(t, "user", compiled.Messages[2].Role)
	assert.Equal(t, "assistant", compiled.Messages[3].Role)
	assert.Equal(t, "What is the return window?", compiled.Messages[4].Content)

	require.Len(t, compiled.Citations, 1)
	assert.Equal(t, 1, compiled.Citations[0].Index)
	assert.Equal(t, "c1", compiled.Citations[0].ChunkID)
}

func TestBuildDropsLowestScoredOnOverflow(t *testing.T) {
	b := NewBuilder(200)

	long := strings.Repeat("Acme widgets ship worldwide with tracked delivery. ", 30)
	compiled := b.Build(testProject(),
		[]retriever.Result{
			chunk("best", "The warranty lasts two years."),
			chunk("worst", long),
		},
		nil, "warranty?")

	require.NotEmpty(t, compiled.Citations)
	assert.Equal(t, "best", compiled.Citations[0].ChunkID)
	assert.LessOrEqual(t, compiled.Tokens, 200)
}

func TestBuildBoundsHistory(t *testing.T) {
	b := NewBuilder(0)
	history := make([]Turn, 20)
	for i := range history {
		history[i] = Turn{Role: "user", Content: "turn"}
	}
	compiled := b.Build(testProject(), nil, history, "q")

	// system + bounded history + user turn; no context message without
	// results.
	assert.Len(t, compiled.Messages, 1+maxHistoryTurns+1)
}

func TestTruncateToTokensSentenceBoundary(t *testing.T) {
	text := "First sentence here. Second sentence follows. " +
		strings.Repeat("Filler sentence to overflow the budget. ", 50)

	out := truncateToTokens(text, 30)
	require.NotEmpty(t, out)
	assert.Less(t, len(out), len(text))
	assert.True(t, utf8.ValidString(out))
	// A sentence-boundary cut ends with punctuation and space, not
	// mid-word.
	assert.True(t, strings.HasSuffix(out, ". ") || strings.HasSuffix(out, ellipsis),
		"got %q", out[len(out)-10:])
}

func TestTruncateToTokensKeepsShortTextIntact(t *testing.T) {
	assert.Equal(t, "short", truncateToTokens("short", 100))
}

func TestValidPrefixNeverSplitsRunes(t *testing.T) {
	text := "naïve — résumé"
	for n := 0; n <= len(text); n++ {
		assert.True(t, utf8.ValidString(validPrefix(text, n)))
	}
}
