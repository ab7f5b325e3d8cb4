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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/pkg/actions"
	"github.com/lorekeep/lorekeep/pkg/cache"
	"github.com/lorekeep/lorekeep/pkg/config"
	"github.com/lorekeep/lorekeep/pkg/crawler"
	"github.com/lorekeep/lorekeep/pkg/docstore"
	"github.com/lorekeep/lorekeep/pkg/embedder"
	"github.com/lorekeep/lorekeep/pkg/indexer"
	"github.com/lorekeep/lorekeep/pkg/lexical"
	"github.com/lorekeep/lorekeep/pkg/llm"
	"github.com/lorekeep/lorekeep/pkg/observability"
	"github.com/lorekeep/lorekeep/pkg/orchestrator"
	"github.com/lorekeep/lorekeep/pkg/project"
	"github.com/lorekeep/lorekeep/pkg/prompt"
	"github.com/lorekeep/lorekeep/pkg/ratelimit"
	"github.com/lorekeep/lorekeep/pkg/retriever"
	"github.com/lorekeep/lorekeep/pkg/server"
	"github.com/lorekeep/lorekeep/pkg/vector"
	"github.com/lorekeep/lorekeep/pkg/voice"
)

// ServeCmd starts every platform component and blocks until shutdown.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backing stores.
	mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Stores.DocumentStoreURL))
	if err != nil {
		return fmt.Errorf("failed to connect to document store: %w", err)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	db := mongoClient.Database(cfg.Stores.DocumentStoreDB)

	cacheStore, err := cache.NewRedisStore(cfg.Stores.CacheURL)
	if err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	defer cacheStore.Close()

	vectors, err := vector.NewQdrantProvider(vector.ParseQdrantURL(cfg.Stores.VectorStoreURL))
	if err != nil {
		return fmt.Errorf("failed to connect to vector store: %w", err)
	}
	defer vectors.Close()

	// Persistence layers.
	projects := project.NewStore(db)
	docs, err := docstore.NewStore(ctx, db)
	if err != nil {
		return err
	}
	jobs, err := crawler.NewJobStore(ctx, db)
	if err != nil {
		return err
	}
	registry, err := llm.NewRegistry(ctx, db)
	if err != nil {
		return err
	}
	actionStore, err := actions.NewStore(ctx, db)
	if err != nil {
		return err
	}

	// Jobs orphaned by an unclean shutdown stay "running" forever and
	// block new crawls; release them before serving.
	if err := jobs.ReleaseStale(ctx); err != nil {
		slog.Warn("Failed to release stale crawl jobs", "error", err)
	}

	// Models.
	embed := embedder.NewCached(
		embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			Host:      cfg.Models.EmbeddingHost,
			Model:     cfg.Models.EmbeddingModel,
			Dimension: cfg.Models.EmbeddingDimension,
		}),
		cache.NewNamespace(cacheStore, cache.NamespaceEmbedding, "_global", cfg.CacheTTL.Embeddings))

	lex := lexical.NewIndex()

	worker := indexer.NewWorker(indexer.Config{}, docs, vectors, lex, embed, cacheStore)

	retrOpts := retriever.Options{
		CacheStore: cacheStore,
		SearchTTL:  cfg.CacheTTL.Search,
	}
	if reranker := embedder.NewHTTPReranker(embedder.RerankConfig{
		Host:  cfg.Models.RerankHost,
		Model: cfg.Models.RerankModel,
	}); reranker != nil {
		retrOpts.Reranker = reranker
	}
	retr := retriever.New(vectors, lex, embed, docs, retrOpts)

	cluster := llm.NewCluster(llm.ClusterConfig{
		CompletionTTL: cfg.CacheTTL.LLMResults,
	}, registry, cacheStore)

	crawl := crawler.New(cfg.Crawler, docs, jobs)
	dispatcher := actions.NewDispatcher(actionStore, projects)

	orch := orchestrator.New(projects, retr, prompt.NewBuilder(0), cluster, actionStore, docs)

	var stt voice.Recognizer
	if r := voice.NewHTTPRecognizer(cfg.Voice.STTHost); r != nil {
		stt = r
	}
	var tts voice.Synthesizer
	if s := voice.NewHTTPSynthesizer(cfg.Voice.TTSHost); s != nil {
		tts = s
	}
	voices := voice.NewManager(voice.Config{
		SessionTimeout: cfg.Voice.SessionTimeout,
		MaxSessions:    cfg.Voice.MaxConcurrentSessions,
		TTSCacheTTL:    cfg.CacheTTL.TTS,
	}, projects, orch, stt, tts, cacheStore)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(
			ratelimit.NewRedisStoreFromClient(cacheStore.Client()),
			ratelimit.Config{
				ReadPerMin:  cfg.RateLimit.ReadPerMin,
				WritePerMin: cfg.RateLimit.WritePerMin,
				UserPerHour: cfg.RateLimit.PerHour,
			})
	}

	metrics := observability.New()

	srv := server.New(cfg.Server, server.Deps{
		Projects:   projects,
		Docs:       docs,
		Crawler:    crawl,
		Indexer:    worker,
		Retriever:  retr,
		Orch:       orch,
		Voice:      voices,
		Registry:   registry,
		Cluster:    cluster,
		Actions:    actionStore,
		Limiter:    limiter,
		Metrics:    metrics,
		CacheStore: cacheStore,
		HealthChecks: map[string]server.Pinger{
			"mongo":        mongoPinger{client: mongoClient},
			"redis":        cacheStore,
			"vector_index": vectors,
		},
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return worker.Run(groupCtx) })
	group.Go(func() error { return cluster.Run(groupCtx) })
	group.Go(func() error { return dispatcher.Run(groupCtx) })
	group.Go(func() error { return voices.Run(groupCtx) })
	group.Go(func() error { return srv.Run(groupCtx) })

	slog.Info("Lorekeep started", "version", version)
	err = group.Wait()
	if err != nil && ctx.Err() != nil {
		// Shutdown via signal; the context error is expected.
		return nil
	}
	return err
}

// mongoPinger adapts the Mongo client to the health probe interface.
type mongoPinger struct {
	client *mongo.Client
}

func (p mongoPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, nil)
}
