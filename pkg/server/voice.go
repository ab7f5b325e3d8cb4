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
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lorekeep/lorekeep/pkg/voice"
)

type voiceStartRequest struct {
	Project  string        `json:"project"`
	Language string        `json:"language,omitempty"`
	Options  voice.Options `json:"options,omitempty"`
}

func (s *Server) handleVoiceStart(w http.ResponseWriter, r *http.Request) {
	var req voiceStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.deps.Voice.Start(r.Context(), req.Project, req.Language, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": session.ID})
}

func (s *Server) handleVoiceGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Voice.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": session,
		"state":   session.State(),
	})
}

func (s *Server) handleVoiceDelete(w http.ResponseWriter, r *http.Request) {
	s.deps.Voice.Close(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	s.deps.Voice.HandleWS(w, r, chi.URLParam(r, "id"), s.config.AllowedOrigins)
}
