package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/config"
	"github.com/lorekeep/lorekeep/pkg/orchestrator"
	"github.com/lorekeep/lorekeep/pkg/prompt"
)

type fakeAnswerer struct {
	events []orchestrator.Event
	err    error
}

func (f *fakeAnswerer) Answer(context.Context, orchestrator.Request) (<-chan orchestrator.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan orchestrator.Event, len(f.events))
	for _, event := range f.events {
		out <- event
	}
	close(out)
	return out, nil
}

func testServer(orch Answerer) *Server {
	return New(config.ServerConfig{}, Deps{Orch: orch})
}

func TestChatStreamsSSEEvents(t *testing.T) {
	orch := &fakeAnswerer{events: []orchestrator.Event{
		{Type: orchestrator.EventToken, Token: "We open "},
		{Type: orchestrator.EventToken, Token: "at 9am."},
		{Type: orchestrator.EventSources, Sources: []prompt.Citation{
			{Index: 1, ChunkID: "c1", SourceURL: "https://acme.test/a", Title: "Hours"},
		}},
		{Type: orchestrator.EventDone},
	}}
	srv := testServer(orch)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"project":"acme","message":"when do you open?"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	tokenAt := strings.Index(body, "event: token")
	sourcesAt := strings.Index(body, "event: sources")
	doneAt := strings.Index(body, "event: done")
	require.GreaterOrEqual(t, tokenAt, 0)
	require.Greater(t, sourcesAt, tokenAt, "sources must follow tokens")
	require.Greater(t, doneAt, sourcesAt, "done must be terminal")

	assert.Contains(t, body, `"text":"We open "`)
	assert.Contains(t, body, `"index":0`)
	assert.Contains(t, body, `"index":1`)
	assert.Contains(t, body, `"id":"c1"`)
}

func TestChatEmitsErrorEvent(t *testing.T) {
	orch := &fakeAnswerer{events: []orchestrator.Event{
		{Type: orchestrator.EventToken, Token: "partial"},
		{Type: orchestrator.EventError, ErrorKind: "UpstreamTransient", Error: "backend hung up"},
	}}
	srv := testServer(orch)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"project":"acme","message":"hi"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, `"kind":"UpstreamTransient"`)
	assert.NotContains(t, body, "event: done")
}

func TestChatRequiresProject(t *testing.T) {
	srv := testServer(&fakeAnswerer{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ValidationError")
}

func TestChatMapsPreflightErrors(t *testing.T) {
	srv := testServer(&fakeAnswerer{err: apierr.New(apierr.KindProjectNotFound, "project not found")})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"project":"ghost","message":"hi"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthReportsPerStoreStatus(t *testing.T) {
	srv := New(config.ServerConfig{}, Deps{
		Orch: &fakeAnswerer{},
		HealthChecks: map[string]Pinger{
			"mongo": fakePinger{},
			"redis": fakePinger{err: errors.New("refused")},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"mongo":"up"`)
	assert.Contains(t, body, `"redis":"down"`)
	assert.Contains(t, body, `"status":"degraded"`)
}

func TestLivenessAlwaysOK(t *testing.T) {
	srv := testServer(&fakeAnswerer{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseCSVSkipsHeaderAndBadRows(t *testing.T) {
	input := "question,answer,priority\nWhen do you open?,We open at 9am.,2\nonly-one-column\nWhat is shipping?,Free over $50,\n"
	rows, errs, err := parseCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "When do you open?", rows[0].question)
	assert.Equal(t, 2.0, rows[0].priority)
	assert.Equal(t, "Free over $50", rows[1].answer)
	assert.Len(t, errs, 1)
}

func TestValidUploadTypeMatchesExtension(t *testing.T) {
	assert.True(t, validUploadType(".csv", "text/csv"))
	assert.True(t, validUploadType(".csv", "text/csv; charset=utf-8"))
	assert.True(t, validUploadType(".csv", ""))
	assert.True(t, validUploadType(".csv", "application/octet-stream"))
	assert.False(t, validUploadType(".csv", "application/pdf"))

	assert.True(t, validUploadType(".xlsx",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"))
	assert.False(t, validUploadType(".xlsx", "text/html"))
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("é", 10)
	cut := truncate(s, 5)
	assert.LessOrEqual(t, len(cut), 5)
	for _, r := range cut {
		assert.NotEqual(t, '�', r)
	}
}
