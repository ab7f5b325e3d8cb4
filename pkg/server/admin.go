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
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/cache"
	"github.com/lorekeep/lorekeep/pkg/crawler"
	"github.com/lorekeep/lorekeep/pkg/docstore"
	"github.com/lorekeep/lorekeep/pkg/project"
)

// Projects

func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Projects.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleProjectUpsert(w http.ResponseWriter, r *http.Request) {
	var proj project.Project
	if err := decodeJSON(r, &proj); err != nil {
		writeError(w, err)
		return
	}
	if err := proj.Validate(); err != nil {
		writeError(w, apierr.Validation("project", err.Error()))
		return
	}
	if err := s.deps.Projects.Upsert(r.Context(), &proj); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &proj)
}

// handleProjectDelete cascades: documents and blobs, both indices, every
// cache namespace, then the project record itself.
func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	ctx := r.Context()

	if _, err := s.deps.Projects.Get(ctx, slug); err != nil {
		writeError(w, err)
		return
	}

	if err := s.deps.Docs.DeleteProject(ctx, slug); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Indexer.PurgeProject(ctx, slug); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.CacheStore != nil {
		if err := cache.InvalidateProject(ctx, s.deps.CacheStore, slug); err != nil {
			s.logger.Warn("Failed to invalidate caches on project delete", "project", slug, "error", err)
		}
	}
	if err := s.deps.Projects.Delete(ctx, slug); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleProjectReindex(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, err := s.deps.Projects.Get(r.Context(), slug); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Indexer.RebuildProject(r.Context(), slug); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{})
}

// Knowledge: documents and QA pairs

func (s *Server) handleKnowledgeList(w http.ResponseWriter, r *http.Request) {
	slug, err := requireProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	docs, err := s.deps.Docs.List(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	pairs, err := s.deps.Docs.QAPairs(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "qa_pairs": pairs})
}

type knowledgeAddRequest struct {
	Project     string  `json:"project"`
	Title       string  `json:"title,omitempty"`
	Text        string  `json:"text"`
	Description string  `json:"description,omitempty"`
	Priority    float64 `json:"priority,omitempty"`
}

func (s *Server) handleKnowledgeAdd(w http.ResponseWriter, r *http.Request) {
	var req knowledgeAddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, apierr.Validation("text", "text is required"))
		return
	}
	if _, err := s.deps.Projects.Get(r.Context(), req.Project); err != nil {
		writeError(w, err)
		return
	}

	id, created, err := s.deps.Docs.Upsert(r.Context(), &docstore.Document{
		Project:     req.Project,
		Origin:      "upload",
		MIME:        "text/plain",
		Title:       req.Title,
		Text:        req.Text,
		Description: req.Description,
		Priority:    req.Priority,
		Size:        int64(len(req.Text)),
		FetchedAt:   time.Now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "created": created})
}

func (s *Server) handleKnowledgeDelete(w http.ResponseWriter, r *http.Request) {
	slug, err := requireProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")

	doc, err := s.deps.Docs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeError(w, apierr.Validation("id", "document not found"))
			return
		}
		writeError(w, err)
		return
	}
	if doc.Project != slug {
		writeError(w, apierr.Validation("id", "document does not belong to project"))
		return
	}
	// Chunks leave both indices before the delete is acknowledged.
	s.deps.Indexer.RemoveDocument(r.Context(), slug, id)
	if err := s.deps.Docs.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// QA pairs

type qaAddRequest struct {
	Project  string  `json:"project"`
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Priority float64 `json:"priority,omitempty"`
}

func (s *Server) handleQAAdd(w http.ResponseWriter, r *http.Request) {
	var req qaAddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.deps.Projects.Get(r.Context(), req.Project); err != nil {
		writeError(w, err)
		return
	}

	pair := &docstore.QAPair{
		Project:  req.Project,
		Question: truncate(req.Question, docstore.MaxQuestionLen),
		Answer:   truncate(req.Answer, docstore.MaxAnswerLen),
		Priority: req.Priority,
	}
	created, err := s.deps.Docs.AddQAPair(r.Context(), pair)
	if err != nil {
		writeError(w, err)
		return
	}
	if !created {
		writeError(w, apierr.New(apierr.KindConflict, "identical question already exists"))
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleQADelete(w http.ResponseWriter, r *http.Request) {
	slug, err := requireProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Docs.DeleteQAPair(r.Context(), slug, id); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeError(w, apierr.Validation("id", "qa pair not found"))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// Curation and stats

func (s *Server) handleUnanswered(w http.ResponseWriter, r *http.Request) {
	slug, err := requireProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	questions, err := s.deps.Docs.Unanswered(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	slug, err := requireProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.deps.Docs.RequestStats(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": rows})
}

func (s *Server) handleActionsRecent(w http.ResponseWriter, r *http.Request) {
	slug, err := requireProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.deps.Actions.Recent(r.Context(), slug, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": jobs})
}

// LLM servers

func (s *Server) handleLLMServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.deps.Registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"status":  s.deps.Cluster.Status(),
	})
}

func (s *Server) handleLLMServerAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseURL string `json:"base_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	server, err := s.deps.Registry.Add(r.Context(), req.BaseURL)
	if err != nil {
		writeError(w, apierr.Validation("base_url", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleLLMServerPatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Registry.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleLLMServerDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Registry.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// Crawler

type crawlStartRequest struct {
	Project  string `json:"project"`
	StartURL string `json:"start_url"`
	MaxDepth int    `json:"max_depth,omitempty"`
	MaxPages int    `json:"max_pages,omitempty"`
}

func (s *Server) handleCrawlStart(w http.ResponseWriter, r *http.Request) {
	var req crawlStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	proj, err := s.deps.Projects.Resolve(r.Context(), req.Project)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.deps.Crawler.Start(r.Context(), proj, crawler.StartRequest{
		SeedURL:  req.StartURL,
		MaxDepth: req.MaxDepth,
		MaxPages: req.MaxPages,
	})
	if err != nil {
		if errors.Is(err, crawler.ErrAlreadyRunning) {
			writeError(w, apierr.New(apierr.KindConflict, "a crawl is already running for this project"))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID})
}

func (s *Server) handleCrawlStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project string `json:"project"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Crawler.Stop(req.Project); err != nil {
		if errors.Is(err, crawler.ErrNoJob) {
			writeError(w, apierr.New(apierr.KindConflict, "no crawl is running for this project"))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	slug, err := requireProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.deps.Crawler.Status(r.Context(), slug)
	if err != nil {
		if errors.Is(err, crawler.ErrNoJob) {
			writeError(w, apierr.Validation("project", "no crawl job for project"))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
