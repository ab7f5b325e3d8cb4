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

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/orchestrator"
	"github.com/lorekeep/lorekeep/pkg/prompt"
)

// chatRequest is the POST /api/v1/chat body.
type chatRequest struct {
	Project   string        `json:"project"`
	Message   string        `json:"message"`
	SessionID string        `json:"session_id,omitempty"`
	History   []prompt.Turn `json:"history,omitempty"`
}

// sseSource is one entry of the sources event payload.
type sseSource struct {
	ID    string `json:"id"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// sseAction is one entry of the actions event payload.
type sseAction struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// handleChat streams the answer as SSE: token events in model order, then
// sources, actions and a terminal done or error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Project == "" {
		writeError(w, apierr.Validation("project", "project is required"))
		return
	}

	events, err := s.deps.Orch.Answer(r.Context(), orchestrator.Request{
		Project: req.Project,
		Message: req.Message,
		History: req.History,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	tokenIndex := 0
	for event := range events {
		switch event.Type {
		case orchestrator.EventToken:
			writeSSE(w, flusher, "token", map[string]any{
				"text":  event.Token,
				"index": tokenIndex,
			})
			tokenIndex++
		case orchestrator.EventSources:
			sources := make([]sseSource, 0, len(event.Sources))
			for _, c := range event.Sources {
				sources = append(sources, sseSource{ID: c.ChunkID, URL: c.SourceURL, Title: c.Title})
			}
			writeSSE(w, flusher, "sources", sources)
		case orchestrator.EventActions:
			out := make([]sseAction, 0, len(event.Actions))
			for _, a := range event.Actions {
				out = append(out, sseAction{Kind: a.Kind, Status: "enqueued"})
			}
			writeSSE(w, flusher, "actions", out)
		case orchestrator.EventDone:
			writeSSE(w, flusher, "done", map[string]any{})
		case orchestrator.EventError:
			writeSSE(w, flusher, "error", map[string]any{
				"kind":    event.ErrorKind,
				"message": event.Error,
			})
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
