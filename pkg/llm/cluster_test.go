package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/apierr"
)

func streamingBackend(t *testing.T, tokens ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3"}]}`)
		case "/api/chat":
			w.Header().Set("Content-Type", "application/x-ndjson")
			for _, token := range tokens {
				fmt.Fprintf(w, `{"message":{"content":%q},"done":false}`+"\n", token)
			}
			fmt.Fprint(w, `{"message":{"content":""},"done":true}`+"\n")
		default:
			http.NotFound(w, r)
		}
	}))
}

func failingBackend(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			fmt.Fprint(w, `{"models":[{"name":"llama3"}]}`)
			return
		}
		http.Error(w, `{"error":"boom"}`, status)
	}))
}

// testCluster builds a cluster whose pool is seeded directly, skipping the
// registry sync.
func testCluster(urls ...string) *Cluster {
	cfg := ClusterConfig{}
	cfg.SetDefaults()
	cfg.AdmissionWait = 100 * time.Millisecond

	c := NewCluster(cfg, nil, nil)
	for i, u := range urls {
		b := newBackend(Server{ID: fmt.Sprintf("s%d", i), BaseURL: u, CreatedAt: time.Now()}, cfg.MaxPerBackend)
		b.recordCheck(true, []string{"llama3"})
		b.recordCheck(true, []string{"llama3"})
		c.backends[b.server.ID] = b
	}
	return c
}

func collect(t *testing.T, stream <-chan Chunk) (string, error) {
	t.Helper()
	var sb strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Content)
	}
	return sb.String(), nil
}

func TestChatStreamRelaysTokens(t *testing.T) {
	backend := streamingBackend(t, "Hello", ", ", "world")
	defer backend.Close()

	c := testCluster(backend.URL)
	stream, err := c.ChatStream(context.Background(), Request{
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	text, streamErr := collect(t, stream)
	require.NoError(t, streamErr)
	assert.Equal(t, "Hello, world", text)
}

func TestChatStreamFailsOverOnTransientError(t *testing.T) {
	bad := failingBackend(t, http.StatusInternalServerError)
	defer bad.Close()
	good := streamingBackend(t, "answer")
	defer good.Close()

	c := testCluster(bad.URL, good.URL)
	// Bias routing toward the failing backend so the failover path runs.
	c.backends["s0"].ewmaMs = 1
	c.backends["s1"].ewmaMs = 100

	text, err := c.Complete(context.Background(), Request{
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", text)
}

func TestChatStreamDemotesMissingModel(t *testing.T) {
	notFound := failingBackend(t, http.StatusNotFound)
	defer notFound.Close()
	good := streamingBackend(t, "ok")
	defer good.Close()

	c := testCluster(notFound.URL, good.URL)
	c.backends["s0"].ewmaMs = 1
	c.backends["s1"].ewmaMs = 100

	text, err := c.Complete(context.Background(), Request{
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.False(t, c.backends["s0"].advertises("llama3"))
}

func TestChatStreamNoHealthyBackend(t *testing.T) {
	c := testCluster()
	_, err := c.ChatStream(context.Background(), Request{Model: "llama3"})
	require.Error(t, err)
	assert.Equal(t, apierr.KindBackendUnavailable, apierr.KindOf(err))
}

func TestBackendHysteresis(t *testing.T) {
	b := newBackend(Server{ID: "s"}, 1)
	assert.Equal(t, HealthUnknown, b.health)

	// One success is not enough to go up.
	b.recordCheck(true, []string{"m"})
	assert.Equal(t, HealthUnknown, b.health)
	b.recordCheck(true, []string{"m"})
	assert.Equal(t, HealthUp, b.health)

	// One failure does not flap it down.
	b.recordCheck(false, nil)
	assert.Equal(t, HealthUp, b.health)
	b.recordCheck(false, nil)
	b.recordCheck(false, nil)
	assert.Equal(t, HealthDown, b.health)

	// Recovery needs two consecutive successes again.
	b.recordCheck(true, []string{"m"})
	assert.Equal(t, HealthDown, b.health)
	b.recordCheck(true, []string{"m"})
	assert.Equal(t, HealthUp, b.health)
}

func TestCandidatesPreferLeastInFlight(t *testing.T) {
	c := testCluster("http://a.invalid", "http://b.invalid")
	c.backends["s0"].inflight = 3
	c.backends["s1"].inflight = 0

	pool := c.candidates("llama3")
	require.Len(t, pool, 2)
	assert.Equal(t, "s1", pool[0].server.ID)
}
