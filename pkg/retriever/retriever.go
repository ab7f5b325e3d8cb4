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

// Package retriever implements hybrid retrieval: dense and lexical search
// fused with reciprocal rank fusion, an optional cross-encoder rerank, and
// a QA-pair short circuit.
package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/cache"
	"github.com/lorekeep/lorekeep/pkg/docstore"
	"github.com/lorekeep/lorekeep/pkg/embedder"
	"github.com/lorekeep/lorekeep/pkg/lexical"
	"github.com/lorekeep/lorekeep/pkg/vector"
)

const (
	// alpha widens both candidate pools relative to k.
	alpha = 4

	// rrfC dampens the head of each ranking in reciprocal rank fusion.
	rrfC = 60

	// rerankFactor bounds how many fused results go to the cross-encoder.
	rerankFactor = 3

	// qaSimilarityThreshold is the cosine similarity above which a QA
	// pair answers the query outright.
	qaSimilarityThreshold = 0.90

	// qaSemanticScanLimit caps how many QA questions are compared
	// semantically per query.
	qaSemanticScanLimit = 500

	// maxExcerptLen bounds the excerpt returned per result.
	maxExcerptLen = 500
)

// Result is one ranked chunk with enough metadata to cite it.
type Result struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	SourceURL  string  `json:"source_url,omitempty"`
	Title      string  `json:"title,omitempty"`
	Excerpt    string  `json:"excerpt"`
	Content    string  `json:"content,omitempty"`
	Score      float64 `json:"score"`
}

// Response is a ranked result set.
type Response struct {
	Results []Result `json:"results"`

	// Degraded marks a lexical-only result produced while the vector
	// backend was unreachable.
	Degraded bool `json:"degraded,omitempty"`

	// QAMatch marks a QA-pair short circuit; Results holds the single
	// synthetic result wrapping the pair's answer.
	QAMatch bool `json:"qa_match,omitempty"`
}

// Retriever serves hybrid search for all projects.
type Retriever struct {
	vectors    vector.Provider
	lex        *lexical.Index
	embed      embedder.Provider
	reranker   embedder.Reranker
	docs       *docstore.Store
	cacheStore cache.Store
	searchTTL  time.Duration
	logger     *slog.Logger
	configHash string
}

// Options carries the optional collaborators.
type Options struct {
	Reranker   embedder.Reranker
	CacheStore cache.Store
	SearchTTL  time.Duration
}

// New creates a retriever. The reranker and cache may be nil.
func New(vectors vector.Provider, lex *lexical.Index, embed embedder.Provider, docs *docstore.Store, opts Options) *Retriever {
	if opts.SearchTTL == 0 {
		opts.SearchTTL = 15 * time.Minute
	}
	r := &Retriever{
		vectors:    vectors,
		lex:        lex,
		embed:      embed,
		reranker:   opts.Reranker,
		docs:       docs,
		cacheStore: opts.CacheStore,
		searchTTL:  opts.SearchTTL,
		logger:     slog.Default().With("component", "retriever"),
	}
	r.configHash = docstore.HashText(fmt.Sprintf("a=%d;c=%d;rr=%d;model=%s;rerank=%t",
		alpha, rrfC, rerankFactor, embed.Model(), opts.Reranker != nil))[:12]
	return r
}

// Search runs hybrid retrieval for (project, query, k). Only a missing or
// misconfigured project surfaces as an error; backend trouble degrades the
// result instead.
func (r *Retriever) Search(ctx context.Context, projectSlug, query string, k int) (*Response, error) {
	if k <= 0 {
		k = 5
	}
	normalized := normalizeQuery(query)
	if normalized == "" {
		return nil, apierr.Validation("query", "query must not be empty")
	}

	if resp := r.fromCache(ctx, projectSlug, normalized, k); resp != nil {
		return resp, nil
	}

	queryVec, embedErr := r.embed.Embed(ctx, query)

	if resp, ok := r.qaShortCircuit(ctx, projectSlug, normalized, queryVec); ok {
		return resp, nil
	}

	resp, err := r.hybrid(ctx, projectSlug, query, queryVec, embedErr, k)
	if err != nil {
		return nil, err
	}
	r.toCache(ctx, projectSlug, normalized, k, resp)
	return resp, nil
}

func (r *Retriever) hybrid(ctx context.Context, projectSlug, query string, queryVec []float32, embedErr error, k int) (*Response, error) {
	pool := alpha * k

	var dense []vector.Result
	var lex []lexical.Result
	degraded := false

	group, groupCtx := errgroup.WithContext(ctx)
	if embedErr == nil {
		group.Go(func() error {
			var err error
			dense, err = r.vectors.Search(groupCtx, vector.CollectionFor(projectSlug), queryVec, pool)
			if err != nil {
				r.logger.Warn("Dense search failed, serving lexical only",
					"project", projectSlug, "error", err)
				dense = nil
				degraded = true
			}
			return nil
		})
	} else {
		r.logger.Warn("Query embedding failed, serving lexical only",
			"project", projectSlug, "error", embedErr)
		degraded = true
	}
	group.Go(func() error {
		var err error
		lex, err = r.lex.Search(groupCtx, projectSlug, query, pool)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, apierr.Internal(err)
	}

	// Dense hits pass the lexical visibility gate so a half-published
	// chunk never surfaces.
	visible := dense[:0]
	for _, hit := range dense {
		if r.lex.Has(projectSlug, hit.ID) {
			visible = append(visible, hit)
		}
	}
	dense = visible

	fused := fuse(dense, lex)
	fused = dedupeByContentHash(fused)

	if r.reranker != nil && len(fused) > 0 {
		r.rerank(ctx, query, fused, rerankFactor*k)
	}

	if len(fused) > k {
		fused = fused[:k]
	}
	results := make([]Result, len(fused))
	for i, c := range fused {
		results[i] = c.result
		results[i].Excerpt = excerpt(c.result.Content)
	}
	return &Response{Results: results, Degraded: degraded}, nil
}

// candidate is one fused chunk during ranking.
type candidate struct {
	result      Result
	contentHash string
	fusedScore  float64
	lexScore    float64
	priority    float64
}

// fuse merges the two rankings with reciprocal rank fusion, breaking ties
// by lexical score, then document priority.
func fuse(dense []vector.Result, lex []lexical.Result) []*candidate {
	byChunk := make(map[string]*candidate)

	add := func(chunkID string) *candidate {
		c := byChunk[chunkID]
		if c == nil {
			c = &candidate{}
			c.result.ChunkID = chunkID
			byChunk[chunkID] = c
		}
		return c
	}

	for rank, hit := range dense {
		c := add(hit.ID)
		c.fusedScore += 1.0 / float64(rrfC+rank+1)
		c.result.Content = stringField(hit.Metadata, "content")
		c.result.DocumentID = stringField(hit.Metadata, "document_id")
		c.result.SourceURL = stringField(hit.Metadata, "source_url")
		c.result.Title = stringField(hit.Metadata, "title")
		c.contentHash = stringField(hit.Metadata, "content_hash")
		c.priority = floatField(hit.Metadata, "priority")
	}
	for rank, hit := range lex {
		c := add(hit.Entry.ChunkID)
		c.fusedScore += 1.0 / float64(rrfC+rank+1)
		c.lexScore = hit.Score
		if c.result.Content == "" {
			c.result.Content = hit.Entry.Content
			c.result.DocumentID = hit.Entry.DocumentID
			c.result.SourceURL = hit.Entry.SourceURL
			c.result.Title = hit.Entry.Title
			c.contentHash = hit.Entry.ContentHash
			c.priority = hit.Entry.Priority
		}
	}

	fused := make([]*candidate, 0, len(byChunk))
	for _, c := range byChunk {
		c.result.Score = c.fusedScore
		fused = append(fused, c)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].fusedScore != fused[j].fusedScore {
			return fused[i].fusedScore > fused[j].fusedScore
		}
		if fused[i].lexScore != fused[j].lexScore {
			return fused[i].lexScore > fused[j].lexScore
		}
		if fused[i].priority != fused[j].priority {
			return fused[i].priority > fused[j].priority
		}
		return fused[i].result.ChunkID < fused[j].result.ChunkID
	})
	return fused
}

// dedupeByContentHash keeps the highest-ranked occurrence of identical
// chunk text.
func dedupeByContentHash(fused []*candidate) []*candidate {
	seen := make(map[string]bool, len(fused))
	out := fused[:0]
	for _, c := range fused {
		hash := c.contentHash
		if hash == "" {
			hash = docstore.HashText(c.result.Content)
		}
		if seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, c)
	}
	return out
}

// rerank reorders the top candidates with the cross-encoder. Failures are
// swallowed; the fused ordering stands.
func (r *Retriever) rerank(ctx context.Context, query string, fused []*candidate, limit int) {
	if limit > len(fused) {
		limit = len(fused)
	}
	head := fused[:limit]

	passages := make([]string, len(head))
	for i, c := range head {
		passages[i] = c.result.Content
	}
	scores, err := r.reranker.Rerank(ctx, query, passages)
	if err != nil || len(scores) != len(head) {
		r.logger.Warn("Rerank failed, keeping fused order", "error", err)
		return
	}
	for i, c := range head {
		c.result.Score = scores[i]
	}
	sort.Slice(head, func(i, j int) bool {
		return head[i].result.Score > head[j].result.Score
	})
}

// qaShortCircuit answers from a curated QA pair on an exact or
// high-similarity question match.
func (r *Retriever) qaShortCircuit(ctx context.Context, projectSlug, normalized string, queryVec []float32) (*Response, bool) {
	if r.docs == nil {
		return nil, false
	}
	pairs, err := r.docs.QAPairs(ctx, projectSlug)
	if err != nil {
		r.logger.Warn("Failed to load QA pairs", "project", projectSlug, "error", err)
		return nil, false
	}
	if len(pairs) == 0 {
		return nil, false
	}

	for i := range pairs {
		if normalizeQuery(pairs[i].Question) == normalized {
			return qaResponse(&pairs[i]), true
		}
	}

	if queryVec == nil {
		return nil, false
	}
	limit := len(pairs)
	if limit > qaSemanticScanLimit {
		limit = qaSemanticScanLimit
	}
	for i := 0; i < limit; i++ {
		vec, err := r.embed.Embed(ctx, pairs[i].Question)
		if err != nil {
			return nil, false
		}
		if cosine(queryVec, vec) >= qaSimilarityThreshold {
			return qaResponse(&pairs[i]), true
		}
	}
	return nil, false
}

func qaResponse(pair *docstore.QAPair) *Response {
	return &Response{
		QAMatch: true,
		Results: []Result{{
			ChunkID:    "qa:" + pair.ID,
			DocumentID: "qa:" + pair.ID,
			Title:      pair.Question,
			Content:    pair.Answer,
			Excerpt:    excerpt(pair.Answer),
			Score:      math.MaxFloat64,
		}},
	}
}

func (r *Retriever) cacheKey(projectSlug, normalized string, k int) string {
	return cache.Key(cache.NamespaceSearch, projectSlug,
		fmt.Sprintf("%s:%d:%s", docstore.HashText(normalized)[:24], k, r.configHash))
}

func (r *Retriever) fromCache(ctx context.Context, projectSlug, normalized string, k int) *Response {
	if r.cacheStore == nil {
		return nil
	}
	data, err := r.cacheStore.Get(ctx, r.cacheKey(projectSlug, normalized, k))
	if err != nil {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	return &resp
}

func (r *Retriever) toCache(ctx context.Context, projectSlug, normalized string, k int, resp *Response) {
	if r.cacheStore == nil || resp.Degraded {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = r.cacheStore.Set(ctx, r.cacheKey(projectSlug, normalized, k), data, r.searchTTL)
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func excerpt(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= maxExcerptLen {
		return content
	}
	n := maxExcerptLen
	for n > 0 && !utf8.RuneStart(content[n]) {
		n--
	}
	cut := content[:n]
	if idx := strings.LastIndex(cut, " "); idx > maxExcerptLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func stringField(metadata map[string]any, key string) string {
	if s, ok := metadata[key].(string); ok {
		return s
	}
	return ""
}

func floatField(metadata map[string]any, key string) float64 {
	switch v := metadata[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
