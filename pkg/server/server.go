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

// Package server exposes the HTTP surface: the chat SSE endpoint, the
// admin API, voice session endpoints and the health/metrics probes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lorekeep/lorekeep/pkg/actions"
	"github.com/lorekeep/lorekeep/pkg/cache"
	"github.com/lorekeep/lorekeep/pkg/config"
	"github.com/lorekeep/lorekeep/pkg/crawler"
	"github.com/lorekeep/lorekeep/pkg/docstore"
	"github.com/lorekeep/lorekeep/pkg/indexer"
	"github.com/lorekeep/lorekeep/pkg/llm"
	"github.com/lorekeep/lorekeep/pkg/observability"
	"github.com/lorekeep/lorekeep/pkg/orchestrator"
	"github.com/lorekeep/lorekeep/pkg/project"
	"github.com/lorekeep/lorekeep/pkg/ratelimit"
	"github.com/lorekeep/lorekeep/pkg/retriever"
	"github.com/lorekeep/lorekeep/pkg/voice"
)

// Answerer runs the chat pipeline.
type Answerer interface {
	Answer(ctx context.Context, req orchestrator.Request) (<-chan orchestrator.Event, error)
}

// Pinger reports a backing store's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server to the rest of the platform. Optional fields may
// be nil; their endpoints answer 503.
type Deps struct {
	Projects  *project.Store
	Docs      *docstore.Store
	Crawler   *crawler.Crawler
	Indexer   *indexer.Worker
	Retriever *retriever.Retriever
	Orch      Answerer
	Voice     *voice.Manager
	Registry  *llm.Registry
	Cluster   *llm.Cluster
	Actions   *actions.Store
	Limiter   *ratelimit.Limiter
	Metrics   *observability.Metrics

	// CacheStore is invalidated on project deletion.
	CacheStore cache.Store

	// Health probes, keyed by the name reported in /health.
	HealthChecks map[string]Pinger
}

// Server is the HTTP frontend.
type Server struct {
	config config.ServerConfig
	deps   Deps
	logger *slog.Logger
}

// New creates the server.
func New(cfg config.ServerConfig, deps Deps) *Server {
	cfg.SetDefaults()
	return &Server{
		config: cfg,
		deps:   deps,
		logger: slog.Default().With("component", "server"),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleLiveness)
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Use(s.deps.Limiter.Middleware)
		}

		r.Post("/chat", s.handleChat)

		r.Route("/crawler", func(r chi.Router) {
			r.Post("/start", s.handleCrawlStart)
			r.Post("/stop", s.handleCrawlStop)
			r.Get("/status", s.handleCrawlStatus)
		})

		r.Route("/voice", func(r chi.Router) {
			r.Post("/session/start", s.handleVoiceStart)
			r.Get("/session/{id}", s.handleVoiceGet)
			r.Delete("/session/{id}", s.handleVoiceDelete)
			r.Get("/ws/{id}", s.handleVoiceWS)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/projects", s.handleProjectList)
			r.Post("/projects", s.handleProjectUpsert)
			r.Delete("/projects/{slug}", s.handleProjectDelete)
			r.Post("/projects/{slug}/reindex", s.handleProjectReindex)

			r.Get("/knowledge", s.handleKnowledgeList)
			r.Post("/knowledge", s.handleKnowledgeAdd)
			r.Delete("/knowledge/{id}", s.handleKnowledgeDelete)

			r.Post("/knowledge/qa", s.handleQAAdd)
			r.Delete("/knowledge/qa/{id}", s.handleQADelete)
			r.Post("/knowledge/qa/upload", s.handleQAUpload)

			r.Get("/unanswered", s.handleUnanswered)
			r.Get("/stats", s.handleStats)
			r.Get("/actions", s.handleActionsRecent)

			r.Get("/llm/servers", s.handleLLMServers)
			r.Post("/llm/servers", s.handleLLMServerAdd)
			r.Patch("/llm/servers/{id}", s.handleLLMServerPatch)
			r.Delete("/llm/servers/{id}", s.handleLLMServerDelete)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:     s.Router(),
		ReadTimeout: s.config.ReadTimeout,
		// WriteTimeout stays zero: SSE and WS hold connections open.
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
