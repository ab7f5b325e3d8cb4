// Copyright 2025 The Lorekeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator turns a user question into an answer event stream:
// retrieve, compile the prompt, stream the model, then emit sources,
// actions and a terminal event in a fixed order.
package orchestrator

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/actions"
	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/llm"
	"github.com/lorekeep/lorekeep/pkg/project"
	"github.com/lorekeep/lorekeep/pkg/prompt"
	"github.com/lorekeep/lorekeep/pkg/retriever"
)

const (
	// defaultTopK is the retrieval depth when the caller does not choose.
	defaultTopK = 5

	// envelopeMaxBuffer bounds how many bytes of a response are held back
	// while deciding whether its first line is an action directive. Past
	// this, the text is flushed as ordinary tokens.
	envelopeMaxBuffer = 4096

	// statsTimeout bounds the best-effort bookkeeping writes that run
	// after the stream has finished.
	statsTimeout = 5 * time.Second
)

// EventType enumerates the stream event kinds, in the order a client may
// observe them: any number of token events, then at most one sources and
// one actions event, then exactly one done or error event.
type EventType string

const (
	EventToken   EventType = "token"
	EventSources EventType = "sources"
	EventActions EventType = "actions"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// ActionRef reports one enqueued side effect.
type ActionRef struct {
	Kind      string `json:"kind"`
	JobID     string `json:"job_id"`
	Coalesced bool   `json:"coalesced,omitempty"`
}

// Event is one answer stream event.
type Event struct {
	Type      EventType         `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Token     string            `json:"token,omitempty"`
	Sources   []prompt.Citation `json:"sources,omitempty"`
	Actions   []ActionRef       `json:"actions,omitempty"`
	Degraded  bool              `json:"degraded,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Request is one answer request.
type Request struct {
	Project string
	Message string
	History []prompt.Turn

	// TopK overrides the retrieval depth. Zero uses the default.
	TopK int

	// Voice bypasses the completion cache so spoken answers stay fresh
	// per session.
	Voice bool
}

// Searcher is the retrieval dependency.
type Searcher interface {
	Search(ctx context.Context, projectSlug, query string, k int) (*retriever.Response, error)
}

// Streamer is the model dispatch dependency.
type Streamer interface {
	ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error)
}

// Resolver loads enabled projects.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (*project.Project, error)
}

// Enqueuer accepts side-effect jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, projectSlug, requestID, kind string, payload map[string]any) (*actions.Job, bool, error)
}

// StatsRecorder persists per-request bookkeeping.
type StatsRecorder interface {
	RecordUnanswered(ctx context.Context, projectSlug, question string) error
	IncrementRequestStats(ctx context.Context, projectSlug string) error
}

// Orchestrator answers questions for all projects.
type Orchestrator struct {
	projects  Resolver
	search    Searcher
	prompts   *prompt.Builder
	cluster   Streamer
	queue     Enqueuer
	stats     StatsRecorder
	logger    *slog.Logger
}

// New creates an orchestrator. queue and stats may be nil, which disables
// actions and bookkeeping respectively.
func New(projects Resolver, search Searcher, prompts *prompt.Builder, cluster Streamer, queue Enqueuer, stats StatsRecorder) *Orchestrator {
	return &Orchestrator{
		projects: projects,
		search:   search,
		prompts:  prompts,
		cluster:  cluster,
		queue:    queue,
		stats:    stats,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// Answer runs one question through the pipeline. Pre-flight failures are
// returned directly; everything after the stream starts arrives as events
// on the returned channel, which closes after the terminal event.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (<-chan Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, apierr.Validation("message", "message must not be empty")
	}

	proj, err := o.projects.Resolve(ctx, req.Project)
	if err != nil {
		return nil, err
	}

	k := req.TopK
	if k <= 0 {
		k = defaultTopK
	}

	requestID := uuid.NewString()

	retrieved, err := o.search.Search(ctx, proj.Slug, req.Message, k)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)

	// A QA pair match answers directly; no model round trip.
	if retrieved.QAMatch && len(retrieved.Results) > 0 {
		go o.answerFromQA(ctx, proj, requestID, req.Message, retrieved.Results[0], out)
		return out, nil
	}

	compiled := o.prompts.Build(proj, retrieved.Results, req.History, req.Message)

	chunks, err := o.cluster.ChatStream(ctx, llm.Request{
		Project:  proj.Slug,
		Model:    proj.Model,
		Messages: compiled.Messages,
		NoCache:  req.Voice,
	})
	if err != nil {
		return nil, err
	}

	go o.relay(ctx, proj, requestID, req.Message, retrieved, compiled, chunks, out)
	return out, nil
}

// answerFromQA streams a stored QA answer as a single token event followed
// by its source and the terminal event.
func (o *Orchestrator) answerFromQA(ctx context.Context, proj *project.Project, requestID, question string, result retriever.Result, out chan<- Event) {
	defer close(out)

	answer := result.Content
	if answer == "" {
		answer = result.Excerpt
	}
	if !emit(ctx, out, Event{Type: EventToken, RequestID: requestID, Token: answer}) {
		return
	}
	if proj.Features.Sources {
		emit(ctx, out, Event{Type: EventSources, RequestID: requestID, Sources: []prompt.Citation{{
			Index: 1, ChunkID: result.ChunkID, SourceURL: result.SourceURL, Title: result.Title,
		}}})
	}
	emit(ctx, out, Event{Type: EventDone, RequestID: requestID})
	o.recordStats(proj.Slug, question, false)
}

// relay forwards model tokens while holding back a possible action
// directive on the first line, then emits the terminal events.
func (o *Orchestrator) relay(ctx context.Context, proj *project.Project, requestID, question string, retrieved *retriever.Response, compiled *prompt.Compiled, chunks <-chan llm.Chunk, out chan<- Event) {
	defer close(out)

	var (
		full      strings.Builder
		held      strings.Builder
		holding   = true
		envelope  *actions.Envelope
		streamErr error
	)

	// flushHeld decides whether the held prefix is a directive and either
	// swallows it or releases it as tokens.
	flushHeld := func(final bool) bool {
		holding = false
		text := held.String()
		if final || strings.Contains(text, "\n") || len(text) >= envelopeMaxBuffer {
			if env, rest := actions.ParseEnvelope(text); env != nil {
				envelope = env
				if rest == "" {
					return true
				}
				return emit(ctx, out, Event{Type: EventToken, RequestID: requestID, Token: rest})
			}
		}
		if text == "" {
			return true
		}
		return emit(ctx, out, Event{Type: EventToken, RequestID: requestID, Token: text})
	}

loop:
	for {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			break loop
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				break loop
			}
			if chunk.Content != "" {
				full.WriteString(chunk.Content)
				if holding {
					held.WriteString(chunk.Content)
					text := held.String()
					trimmed := strings.TrimLeft(text, " \t\r\n")
					switch {
					case trimmed == "":
						// Keep holding until something printable arrives.
					case !strings.HasPrefix(trimmed, "{"):
						if !flushHeld(false) {
							return
						}
					case strings.Contains(text, "\n") || len(text) >= envelopeMaxBuffer:
						if !flushHeld(false) {
							return
						}
					}
				} else if !emit(ctx, out, Event{Type: EventToken, RequestID: requestID, Token: chunk.Content}) {
					return
				}
			}
			if chunk.Done {
				break loop
			}
		}
	}

	if holding {
		if !flushHeld(true) {
			return
		}
	}

	if streamErr != nil {
		o.logger.Warn("Answer stream failed", "project", proj.Slug, "request", requestID, "error", streamErr)
		emit(ctx, out, Event{
			Type:      EventError,
			RequestID: requestID,
			ErrorKind: string(apierr.KindOf(streamErr)),
			Error:     streamErr.Error(),
		})
		return
	}

	text := full.String()
	if envelope != nil {
		_, text = actions.ParseEnvelope(text)
	}
	unanswered := isSentinel(text, proj.Sentinel())

	if proj.Features.Sources {
		if sources := referencedCitations(text, compiled.Citations); len(sources) > 0 {
			if !emit(ctx, out, Event{Type: EventSources, RequestID: requestID, Sources: sources, Degraded: retrieved.Degraded}) {
				return
			}
		}
	}

	if refs := o.enqueueActions(ctx, proj, requestID, envelope); len(refs) > 0 {
		if !emit(ctx, out, Event{Type: EventActions, RequestID: requestID, Actions: refs}) {
			return
		}
	}

	emit(ctx, out, Event{Type: EventDone, RequestID: requestID})
	o.recordStats(proj.Slug, question, unanswered)
}

func (o *Orchestrator) enqueueActions(ctx context.Context, proj *project.Project, requestID string, envelope *actions.Envelope) []ActionRef {
	if envelope == nil || o.queue == nil {
		return nil
	}
	job, created, err := o.queue.Enqueue(ctx, proj.Slug, requestID, envelope.Action, envelope.Payload())
	if err != nil {
		o.logger.Warn("Failed to enqueue action", "project", proj.Slug,
			"request", requestID, "kind", envelope.Action, "error", err)
		return nil
	}
	return []ActionRef{{Kind: envelope.Action, JobID: job.IdempotencyKey, Coalesced: !created}}
}

// recordStats runs after the terminal event; failures only log.
func (o *Orchestrator) recordStats(projectSlug, question string, unanswered bool) {
	if o.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	if err := o.stats.IncrementRequestStats(ctx, projectSlug); err != nil {
		o.logger.Warn("Failed to record request stats", "project", projectSlug, "error", err)
	}
	if unanswered {
		if err := o.stats.RecordUnanswered(ctx, projectSlug, question); err != nil {
			o.logger.Warn("Failed to record unanswered question", "project", projectSlug, "error", err)
		}
	}
}

func emit(ctx context.Context, out chan<- Event, event Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// isSentinel reports whether the response is the no-answer phrase, allowing
// surrounding whitespace and trailing punctuation.
func isSentinel(text, sentinel string) bool {
	cleaned := strings.Trim(strings.TrimSpace(text), ".!。")
	return cleaned == strings.Trim(sentinel, ".!。")
}

var citationMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

// referencedCitations keeps only the citations whose [n] marker appears in
// the response, preserving table order.
func referencedCitations(text string, citations []prompt.Citation) []prompt.Citation {
	if len(citations) == 0 {
		return nil
	}
	seen := make(map[int]bool)
	for _, match := range citationMarker.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(match[1]); err == nil {
			seen[n] = true
		}
	}
	var out []prompt.Citation
	for _, c := range citations {
		if seen[c.Index] {
			out = append(out, c)
		}
	}
	return out
}
