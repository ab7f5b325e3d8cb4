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

// Package lexical is the keyword index over chunk text: BM25 posting lists
// partitioned by project.
//
// The index is single-writer many-reader per project (the embedding worker
// writes, retrieval reads). It also serves as the visibility gate for
// hybrid retrieval: a chunk counts as published only once its lexical entry
// exists, so readers never observe a chunk that is present in the vector
// index but not here.
package lexical

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 tunables.
const (
	k1 = 1.2
	b  = 0.75
)

// Entry is one chunk in the index.
type Entry struct {
	ChunkID     string
	DocumentID  string
	ContentHash string
	Content     string
	SourceURL   string
	Title       string
	Priority    float64
}

// Result is a scored lexical hit.
type Result struct {
	Entry Entry
	Score float64
}

type chunkRecord struct {
	entry  Entry
	terms  map[string]int // term → frequency
	length int
}

type projectIndex struct {
	mu       sync.RWMutex
	chunks   map[string]*chunkRecord        // chunk id → record
	postings map[string]map[string]struct{} // term → chunk ids
	byDoc    map[string][]string            // document id → chunk ids
	totalLen int
}

// Index holds per-project BM25 partitions.
type Index struct {
	mu       sync.RWMutex
	projects map[string]*projectIndex
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{projects: make(map[string]*projectIndex)}
}

func (ix *Index) forProject(projectSlug string, create bool) *projectIndex {
	ix.mu.RLock()
	pi := ix.projects[projectSlug]
	ix.mu.RUnlock()
	if pi != nil || !create {
		return pi
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if pi = ix.projects[projectSlug]; pi == nil {
		pi = &projectIndex{
			chunks:   make(map[string]*chunkRecord),
			postings: make(map[string]map[string]struct{}),
			byDoc:    make(map[string][]string),
		}
		ix.projects[projectSlug] = pi
	}
	return pi
}

// ReplaceDocument atomically replaces all chunks of a document. Readers see
// either the previous chunk set or the new one, never a mix.
func (ix *Index) ReplaceDocument(_ context.Context, projectSlug, documentID string, entries []Entry) error {
	pi := ix.forProject(projectSlug, true)

	pi.mu.Lock()
	defer pi.mu.Unlock()

	pi.removeDocLocked(documentID)

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		terms := termFrequencies(entry.Content)
		length := 0
		for _, tf := range terms {
			length += tf
		}
		pi.chunks[entry.ChunkID] = &chunkRecord{entry: entry, terms: terms, length: length}
		pi.totalLen += length
		for term := range terms {
			posting := pi.postings[term]
			if posting == nil {
				posting = make(map[string]struct{})
				pi.postings[term] = posting
			}
			posting[entry.ChunkID] = struct{}{}
		}
		ids = append(ids, entry.ChunkID)
	}
	pi.byDoc[documentID] = ids
	return nil
}

// DeleteDocument removes a document's chunks.
func (ix *Index) DeleteDocument(_ context.Context, projectSlug, documentID string) error {
	pi := ix.forProject(projectSlug, false)
	if pi == nil {
		return nil
	}
	pi.mu.Lock()
	pi.removeDocLocked(documentID)
	pi.mu.Unlock()
	return nil
}

func (pi *projectIndex) removeDocLocked(documentID string) {
	for _, chunkID := range pi.byDoc[documentID] {
		record := pi.chunks[chunkID]
		if record == nil {
			continue
		}
		pi.totalLen -= record.length
		for term := range record.terms {
			if posting := pi.postings[term]; posting != nil {
				delete(posting, chunkID)
				if len(posting) == 0 {
					delete(pi.postings, term)
				}
			}
		}
		delete(pi.chunks, chunkID)
	}
	delete(pi.byDoc, documentID)
}

// DropProject removes a whole partition, used for bulk rebuild and cascade
// delete.
func (ix *Index) DropProject(projectSlug string) {
	ix.mu.Lock()
	delete(ix.projects, projectSlug)
	ix.mu.Unlock()
}

// Has reports whether a chunk is published. Retrieval uses this as the
// joint-visibility gate for dense hits.
func (ix *Index) Has(projectSlug, chunkID string) bool {
	pi := ix.forProject(projectSlug, false)
	if pi == nil {
		return false
	}
	pi.mu.RLock()
	_, ok := pi.chunks[chunkID]
	pi.mu.RUnlock()
	return ok
}

// Search returns the topK BM25-scored chunks for the query.
func (ix *Index) Search(_ context.Context, projectSlug, query string, topK int) ([]Result, error) {
	pi := ix.forProject(projectSlug, false)
	if pi == nil {
		return nil, nil
	}

	queryTerms := termFrequencies(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	pi.mu.RLock()
	defer pi.mu.RUnlock()

	n := len(pi.chunks)
	if n == 0 {
		return nil, nil
	}
	avgLen := float64(pi.totalLen) / float64(n)
	if avgLen <= 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for term := range queryTerms {
		posting := pi.postings[term]
		if len(posting) == 0 {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		for chunkID := range posting {
			record := pi.chunks[chunkID]
			tf := float64(record.terms[term])
			norm := tf * (k1 + 1) / (tf + k1*(1-b+b*float64(record.length)/avgLen))
			scores[chunkID] += idf * norm
		}
	}

	results := make([]Result, 0, len(scores))
	for chunkID, score := range scores {
		results = append(results, Result{Entry: pi.chunks[chunkID].entry, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ChunkID < results[j].Entry.ChunkID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Size reports the number of published chunks for a project.
func (ix *Index) Size(projectSlug string) int {
	pi := ix.forProject(projectSlug, false)
	if pi == nil {
		return 0
	}
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return len(pi.chunks)
}

// termFrequencies tokenizes text into lowercase terms with counts. Very
// short tokens carry no signal and are skipped.
func termFrequencies(text string) map[string]int {
	terms := make(map[string]int)
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(word) < 2 {
			continue
		}
		terms[word]++
	}
	return terms
}
