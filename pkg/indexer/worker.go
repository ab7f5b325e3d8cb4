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

package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/cache"
	"github.com/lorekeep/lorekeep/pkg/docstore"
	"github.com/lorekeep/lorekeep/pkg/embedder"
	"github.com/lorekeep/lorekeep/pkg/lexical"
	"github.com/lorekeep/lorekeep/pkg/vector"
)

// Config controls the embedding worker.
type Config struct {
	Chunker ChunkerConfig `yaml:"chunker"`

	// Parallelism bounds how many projects are indexed concurrently. One
	// logical worker per project is enough; documents of a project are
	// processed serially.
	Parallelism int `yaml:"parallelism"`

	// EmbedBatch is the number of chunks per embedding request.
	EmbedBatch int `yaml:"embed_batch"`

	// PendingBatch is the page size of the oldest-first pending scan.
	PendingBatch int `yaml:"pending_batch"`

	// ScanInterval is how often dirty projects are checked.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// Cooldown delays indexing after the last change so an active crawl
	// is not interleaved with embedding work.
	Cooldown time.Duration `yaml:"cooldown"`

	// PruneMinChars is the minimum extracted-text length; shorter
	// documents are pruned from the active indices.
	PruneMinChars int `yaml:"prune_min_chars"`
}

func (c *Config) SetDefaults() {
	c.Chunker.SetDefaults()
	if c.Parallelism == 0 {
		c.Parallelism = 4
	}
	if c.EmbedBatch == 0 {
		c.EmbedBatch = 16
	}
	if c.PendingBatch == 0 {
		c.PendingBatch = 32
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = 10 * time.Second
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.PruneMinChars == 0 {
		c.PruneMinChars = 80
	}
}

// Worker keeps the vector and lexical indices in sync with the document
// store. It consumes the store's change stream, scans for pending documents
// after a cool-down, and embeds them in batches.
//
// Publish order per document: stale vector points are removed, new points
// are upserted, then the lexical entries are swapped in. The lexical entry
// is the visibility gate, so a document's chunks become retrievable only
// after both indices hold them.
type Worker struct {
	config     Config
	docs       *docstore.Store
	vectors    vector.Provider
	lex        *lexical.Index
	embed      embedder.Provider
	cacheStore cache.Store
	chunker    *Chunker
	logger     *slog.Logger

	mu       sync.Mutex
	dirty    map[string]time.Time // project → last change
	running  map[string]bool
	attempts map[string]int // document → consecutive index failures

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewWorker creates an embedding worker. cacheStore may be nil.
func NewWorker(cfg Config, docs *docstore.Store, vectors vector.Provider, lex *lexical.Index, embed embedder.Provider, cacheStore cache.Store) *Worker {
	cfg.SetDefaults()
	return &Worker{
		config:     cfg,
		docs:       docs,
		vectors:    vectors,
		lex:        lex,
		embed:      embed,
		cacheStore: cacheStore,
		chunker:    NewChunker(cfg.Chunker),
		logger:     slog.Default().With("component", "indexer"),
		dirty:      make(map[string]time.Time),
		running:    make(map[string]bool),
		attempts:   make(map[string]int),
		sem:        make(chan struct{}, cfg.Parallelism),
	}
}

// ChunkID derives the stable chunk identifier. It is a UUID so the vector
// store accepts it as a point id, and deterministic so the lexical index can
// be rebuilt from stored text without re-embedding.
func ChunkID(documentID string, index int, content string) string {
	name := documentID + "#" + strconv.Itoa(index) + ":" + docstore.HashText(content)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Run drives the worker until ctx is cancelled. It first restores the
// in-process lexical index from the document store, then serves change
// notifications and periodic pending scans.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.restore(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()

		case change := <-w.docs.Changes():
			if change.Deleted {
				w.RemoveDocument(ctx, change.Project, change.DocumentID)
				continue
			}
			w.Notify(change.Project)

		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Notify marks a project dirty so the next sweep past the cool-down picks
// it up.
func (w *Worker) Notify(projectSlug string) {
	w.mu.Lock()
	w.dirty[projectSlug] = time.Now()
	w.mu.Unlock()
}

func (w *Worker) sweep(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var due []string
	for slug, last := range w.dirty {
		if now.Sub(last) >= w.config.Cooldown && !w.running[slug] {
			due = append(due, slug)
			delete(w.dirty, slug)
			w.running[slug] = true
		}
	}
	w.mu.Unlock()

	for _, slug := range due {
		w.wg.Add(1)
		go func(slug string) {
			defer w.wg.Done()
			defer func() {
				w.mu.Lock()
				delete(w.running, slug)
				w.mu.Unlock()
			}()

			select {
			case w.sem <- struct{}{}:
				defer func() { <-w.sem }()
			case <-ctx.Done():
				return
			}

			if err := w.processProject(ctx, slug); err != nil && ctx.Err() == nil {
				w.logger.Error("Indexing pass failed", "project", slug, "error", err)
				w.Notify(slug)
			}
		}(slug)
	}
}

// restore rebuilds lexical entries for every indexed document. Vector
// points survive restarts in the backend; the lexical index does not.
func (w *Worker) restore(ctx context.Context) error {
	projects, err := w.docs.Projects(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate projects for restore: %w", err)
	}

	for _, slug := range projects {
		docs, err := w.docs.Indexed(ctx, slug)
		if err != nil {
			return err
		}
		for i := range docs {
			if err := w.publishLexical(ctx, &docs[i], w.chunker.Chunk(docs[i].Text)); err != nil {
				return err
			}
		}
		w.logger.Info("Restored lexical index", "project", slug, "documents", len(docs))

		// Anything fetched but not yet indexed gets picked up by the
		// first sweep.
		w.Notify(slug)
	}
	return nil
}

// maxIndexAttempts bounds consecutive failures per document. Transient
// failures (embedding backend outage) keep the document pending and are
// retried on later passes; only after the budget is spent is the document
// checkpointed as a poison skip until the next fetch resets it.
const maxIndexAttempts = 3

// processProject drains the pending queue of one project, oldest fetched
// first. Per-document failures are logged and retried so one bad document
// does not block the rest.
func (w *Worker) processProject(ctx context.Context, projectSlug string) error {
	collection := vector.CollectionFor(projectSlug)
	if err := w.vectors.EnsureCollection(ctx, collection, w.embed.Dimension()); err != nil {
		return fmt.Errorf("failed to ensure collection: %w", err)
	}

	indexed := 0
	for {
		pending, err := w.docs.Pending(ctx, projectSlug, w.config.PendingBatch)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}
		progress := 0
		for i := range pending {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := w.indexDocument(ctx, collection, &pending[i]); err != nil {
				attempt := w.noteFailure(pending[i].ID)
				w.logger.Warn("Failed to index document", "project", projectSlug,
					"document", pending[i].ID, "attempt", attempt, "error", err)
				if attempt >= maxIndexAttempts {
					// Poison document; checkpoint so the scan moves
					// on. The next fetch resets it for another try.
					_ = w.docs.MarkIndexed(ctx, pending[i].ID, time.Now())
					w.clearFailures(pending[i].ID)
					progress++
				}
				continue
			}
			w.clearFailures(pending[i].ID)
			indexed++
			progress++
		}
		if progress == 0 {
			// Every document in the batch failed and stays pending;
			// surface the stall so the sweep re-queues the project.
			if indexed > 0 {
				w.invalidateSearchCache(ctx, projectSlug)
			}
			return fmt.Errorf("indexing stalled, %d documents still pending", len(pending))
		}
	}

	if indexed > 0 {
		w.logger.Info("Indexed documents", "project", projectSlug, "count", indexed)
		w.invalidateSearchCache(ctx, projectSlug)
	}
	return nil
}

func (w *Worker) indexDocument(ctx context.Context, collection string, doc *docstore.Document) error {
	if w.shouldPrune(doc) {
		return w.pruneDocument(ctx, collection, doc)
	}

	chunks := w.chunker.Chunk(doc.Text)
	if len(chunks) == 0 {
		return w.pruneDocument(ctx, collection, doc)
	}

	points := make([]vector.Point, 0, len(chunks))
	for start := 0; start < len(chunks); start += w.config.EmbedBatch {
		end := start + w.config.EmbedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, chunk := range batch {
			texts[i] = chunk.Content
		}
		vectors, err := w.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding failed: %w", err)
		}
		for i, chunk := range batch {
			points = append(points, vector.Point{
				ID:     ChunkID(doc.ID, chunk.Index, chunk.Content),
				Vector: vectors[i],
				Metadata: map[string]any{
					"project":      doc.Project,
					"document_id":  doc.ID,
					"content_hash": docstore.HashText(chunk.Content),
					"content":      chunk.Content,
					"source_url":   doc.SourceURL,
					"title":        doc.Title,
					"priority":     doc.Priority,
				},
			})
		}
	}

	// Stale points of previous generations go first so the collection
	// never holds two generations of the same document.
	if err := w.vectors.DeleteByFilter(ctx, collection, map[string]any{"document_id": doc.ID}); err != nil {
		return fmt.Errorf("failed to clear stale points: %w", err)
	}
	if err := w.vectors.Upsert(ctx, collection, points); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}
	if err := w.publishLexical(ctx, doc, chunks); err != nil {
		return err
	}

	return w.docs.MarkIndexed(ctx, doc.ID, time.Now())
}

func (w *Worker) publishLexical(ctx context.Context, doc *docstore.Document, chunks []Chunk) error {
	entries := make([]lexical.Entry, len(chunks))
	for i, chunk := range chunks {
		entries[i] = lexical.Entry{
			ChunkID:     ChunkID(doc.ID, chunk.Index, chunk.Content),
			DocumentID:  doc.ID,
			ContentHash: docstore.HashText(chunk.Content),
			Content:     chunk.Content,
			SourceURL:   doc.SourceURL,
			Title:       doc.Title,
			Priority:    doc.Priority,
		}
	}
	return w.lex.ReplaceDocument(ctx, doc.Project, doc.ID, entries)
}

// shouldPrune applies the text quality heuristics. Exact duplicates are
// already collapsed by the content-hash key, so only length and symbol
// ratio are checked here.
func (w *Worker) shouldPrune(doc *docstore.Document) bool {
	if len(doc.Text) < w.config.PruneMinChars {
		return true
	}
	letters, total := 0, 0
	for _, r := range doc.Text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			letters++
		}
	}
	return total > 0 && float64(letters)/float64(total) < 0.5
}

// pruneDocument unpublishes a document's chunks. The blob and metadata are
// retained; only the active indices drop it.
func (w *Worker) pruneDocument(ctx context.Context, collection string, doc *docstore.Document) error {
	if err := w.lex.DeleteDocument(ctx, doc.Project, doc.ID); err != nil {
		return err
	}
	if err := w.vectors.DeleteByFilter(ctx, collection, map[string]any{"document_id": doc.ID}); err != nil {
		return fmt.Errorf("failed to remove pruned points: %w", err)
	}
	w.logger.Info("Pruned low-quality document", "project", doc.Project, "document", doc.ID)
	return w.docs.MarkPruned(ctx, doc.ID)
}

// RemoveDocument unpublishes a document's chunks from both indices. Lexical
// goes first so the visibility gate closes before vector points disappear.
// Delete handlers call this before acknowledging, so a search issued after
// the acknowledgement cannot return chunks of the deleted document; the
// change notification that follows is an idempotent no-op.
func (w *Worker) RemoveDocument(ctx context.Context, projectSlug, documentID string) {
	if err := w.lex.DeleteDocument(ctx, projectSlug, documentID); err != nil {
		w.logger.Warn("Failed to remove lexical entries", "document", documentID, "error", err)
	}
	collection := vector.CollectionFor(projectSlug)
	if err := w.vectors.DeleteByFilter(ctx, collection, map[string]any{"document_id": documentID}); err != nil {
		w.logger.Warn("Failed to remove vector points", "document", documentID, "error", err)
	}
	w.invalidateSearchCache(ctx, projectSlug)
}

// RebuildProject drops both indices of a project and re-embeds everything.
func (w *Worker) RebuildProject(ctx context.Context, projectSlug string) error {
	collection := vector.CollectionFor(projectSlug)
	if err := w.vectors.DropCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	w.lex.DropProject(projectSlug)

	if err := w.docs.ResetIndex(ctx, projectSlug); err != nil {
		return err
	}
	w.invalidateSearchCache(ctx, projectSlug)
	w.Notify(projectSlug)
	return nil
}

// PurgeProject removes a project's indices entirely, for cascade delete.
func (w *Worker) PurgeProject(ctx context.Context, projectSlug string) error {
	w.lex.DropProject(projectSlug)
	if err := w.vectors.DropCollection(ctx, vector.CollectionFor(projectSlug)); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	w.invalidateSearchCache(ctx, projectSlug)
	return nil
}

func (w *Worker) noteFailure(documentID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[documentID]++
	return w.attempts[documentID]
}

func (w *Worker) clearFailures(documentID string) {
	w.mu.Lock()
	delete(w.attempts, documentID)
	w.mu.Unlock()
}

func (w *Worker) invalidateSearchCache(ctx context.Context, projectSlug string) {
	if w.cacheStore == nil {
		return
	}
	if err := cache.InvalidateNamespace(ctx, w.cacheStore, cache.NamespaceSearch, projectSlug); err != nil {
		w.logger.Warn("Failed to invalidate search cache", "project", projectSlug, "error", err)
	}
}
