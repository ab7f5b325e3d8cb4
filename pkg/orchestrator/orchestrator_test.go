package orchestrator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/actions"
	"github.com/lorekeep/lorekeep/pkg/llm"
	"github.com/lorekeep/lorekeep/pkg/project"
	"github.com/lorekeep/lorekeep/pkg/prompt"
	"github.com/lorekeep/lorekeep/pkg/retriever"
)

type fakeResolver struct {
	proj *project.Project
}

func (f *fakeResolver) Resolve(_ context.Context, slug string) (*project.Project, error) {
	if f.proj == nil || f.proj.Slug != slug {
		return nil, errors.New("project not found")
	}
	return f.proj, nil
}

type fakeSearcher struct {
	resp *retriever.Response
	err  error
}

func (f *fakeSearcher) Search(context.Context, string, string, int) (*retriever.Response, error) {
	return f.resp, f.err
}

type fakeStreamer struct {
	chunks []llm.Chunk
	called bool
}

func (f *fakeStreamer) ChatStream(context.Context, llm.Request) (<-chan llm.Chunk, error) {
	f.called = true
	out := make(chan llm.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeQueue) Enqueue(_ context.Context, projectSlug, requestID, kind string, _ map[string]any) (*actions.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, kind)
	return &actions.Job{IdempotencyKey: requestID + ":" + kind, Kind: kind}, true, nil
}

type fakeStats struct {
	mu         sync.Mutex
	requests   int
	unanswered []string
}

func (f *fakeStats) RecordUnanswered(_ context.Context, _ string, question string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unanswered = append(f.unanswered, question)
	return nil
}

func (f *fakeStats) IncrementRequestStats(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return nil
}

func testProject() *project.Project {
	return &project.Project{
		Slug:         "acme",
		Title:        "Acme",
		SystemPrompt: "You are the Acme assistant.",
		Features:     project.Features{Sources: true},
		Enabled:      true,
	}
}

func testResults() []retriever.Result {
	return []retriever.Result{
		{ChunkID: "c1", SourceURL: "https://acme.test/a", Title: "Opening hours", Content: "We open at 9am.", Score: 2},
		{ChunkID: "c2", SourceURL: "https://acme.test/b", Title: "Returns", Content: "Returns within 30 days.", Score: 1},
	}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for event := range events {
		out = append(out, event)
	}
	return out
}

func TestAnswerStreamsTokensSourcesDone(t *testing.T) {
	stats := &fakeStats{}
	streamer := &fakeStreamer{chunks: []llm.Chunk{
		{Content: "We open "},
		{Content: "at 9am [1]."},
		{Done: true},
	}}
	o := New(&fakeResolver{proj: testProject()}, &fakeSearcher{resp: &retriever.Response{Results: testResults()}},
		prompt.NewBuilder(0), streamer, &fakeQueue{}, stats)

	events, err := o.Answer(context.Background(), Request{Project: "acme", Message: "When do you open?"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 4)
	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, EventToken, got[1].Type)
	assert.Equal(t, "We open at 9am [1].", got[0].Token+got[1].Token)

	assert.Equal(t, EventSources, got[2].Type)
	require.Len(t, got[2].Sources, 1)
	assert.Equal(t, "c1", got[2].Sources[0].ChunkID)

	assert.Equal(t, EventDone, got[3].Type)
	assert.Equal(t, 1, stats.requests)
	assert.Empty(t, stats.unanswered)
}

func TestAnswerHoldsBackActionDirective(t *testing.T) {
	queue := &fakeQueue{}
	streamer := &fakeStreamer{chunks: []llm.Chunk{
		{Content: `{"action":"crm_ticket","subject":"Leak",`},
		{Content: `"message":"Pump is leaking"}` + "\n"},
		{Content: "I have filed a ticket for you."},
		{Done: true},
	}}
	o := New(&fakeResolver{proj: testProject()}, &fakeSearcher{resp: &retriever.Response{Results: testResults()}},
		prompt.NewBuilder(0), streamer, queue, &fakeStats{})

	events, err := o.Answer(context.Background(), Request{Project: "acme", Message: "The pump broke"})
	require.NoError(t, err)

	got := collect(t, events)
	var text string
	var actionEvents []Event
	for _, event := range got {
		switch event.Type {
		case EventToken:
			text += event.Token
		case EventActions:
			actionEvents = append(actionEvents, event)
		}
	}
	assert.Equal(t, "I have filed a ticket for you.", text)
	require.Len(t, actionEvents, 1)
	require.Len(t, actionEvents[0].Actions, 1)
	assert.Equal(t, actions.KindCRMTicket, actionEvents[0].Actions[0].Kind)
	assert.Equal(t, []string{actions.KindCRMTicket}, queue.entries)
	assert.Equal(t, EventDone, got[len(got)-1].Type)
}

func TestAnswerQAMatchSkipsModel(t *testing.T) {
	streamer := &fakeStreamer{}
	searcher := &fakeSearcher{resp: &retriever.Response{
		QAMatch: true,
		Results: []retriever.Result{{ChunkID: "qa:1", Content: "We open at 9am.", Score: math.MaxFloat64}},
	}}
	o := New(&fakeResolver{proj: testProject()}, searcher, prompt.NewBuilder(0), streamer, &fakeQueue{}, &fakeStats{})

	events, err := o.Answer(context.Background(), Request{Project: "acme", Message: "opening hours?"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, "We open at 9am.", got[0].Token)
	assert.Equal(t, EventSources, got[1].Type)
	assert.Equal(t, EventDone, got[2].Type)
	assert.False(t, streamer.called)
}

func TestAnswerRecordsUnansweredOnSentinel(t *testing.T) {
	stats := &fakeStats{}
	proj := testProject()
	streamer := &fakeStreamer{chunks: []llm.Chunk{
		{Content: proj.Sentinel()},
		{Done: true},
	}}
	o := New(&fakeResolver{proj: proj}, &fakeSearcher{resp: &retriever.Response{}},
		prompt.NewBuilder(0), streamer, &fakeQueue{}, stats)

	events, err := o.Answer(context.Background(), Request{Project: "acme", Message: "What is the meaning of life?"})
	require.NoError(t, err)

	got := collect(t, events)
	assert.Equal(t, EventDone, got[len(got)-1].Type)
	require.Len(t, stats.unanswered, 1)
	assert.Equal(t, "What is the meaning of life?", stats.unanswered[0])
}

func TestAnswerEmitsErrorEventOnStreamFailure(t *testing.T) {
	streamer := &fakeStreamer{chunks: []llm.Chunk{
		{Content: "Partial ans"},
		{Err: errors.New("backend hung up")},
	}}
	o := New(&fakeResolver{proj: testProject()}, &fakeSearcher{resp: &retriever.Response{Results: testResults()}},
		prompt.NewBuilder(0), streamer, &fakeQueue{}, &fakeStats{})

	events, err := o.Answer(context.Background(), Request{Project: "acme", Message: "hi"})
	require.NoError(t, err)

	got := collect(t, events)
	last := got[len(got)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Error, "backend hung up")
	for _, event := range got[:len(got)-1] {
		assert.Equal(t, EventToken, event.Type)
	}
}

func TestAnswerRejectsEmptyMessage(t *testing.T) {
	o := New(&fakeResolver{proj: testProject()}, &fakeSearcher{}, prompt.NewBuilder(0), &fakeStreamer{}, nil, nil)
	_, err := o.Answer(context.Background(), Request{Project: "acme", Message: "   "})
	assert.Error(t, err)
}

func TestReferencedCitationsFiltersUnused(t *testing.T) {
	citations := []prompt.Citation{
		{Index: 1, ChunkID: "c1"},
		{Index: 2, ChunkID: "c2"},
		{Index: 3, ChunkID: "c3"},
	}
	got := referencedCitations("See [1] and [3] for details.", citations)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ChunkID)
	assert.Equal(t, "c3", got[1].ChunkID)

	assert.Nil(t, referencedCitations("no markers here", citations))
}

func TestIsSentinel(t *testing.T) {
	assert.True(t, isSentinel("  I don't have that in the knowledge base. ", project.DefaultNoAnswerSentinel))
	assert.False(t, isSentinel("We open at 9am.", project.DefaultNoAnswerSentinel))
}
