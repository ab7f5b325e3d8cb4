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

// Package docstore is the content-addressed document store. Documents are
// keyed by (project, content hash): identical extracted text within a
// project maps to one document, stored exactly once.
package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Document is one unit of ingested content.
type Document struct {
	ID          string `bson:"_id" json:"id"`
	Project     string `bson:"project" json:"project"`
	ContentHash string `bson:"content_hash" json:"content_hash"`

	// SourceURL is the crawl origin; empty for manual uploads.
	SourceURL string `bson:"source_url,omitempty" json:"source_url,omitempty"`
	Origin    string `bson:"origin" json:"origin"` // "crawl" or "upload"
	MIME      string `bson:"mime,omitempty" json:"mime,omitempty"`

	Title string `bson:"title,omitempty" json:"title,omitempty"`
	Text  string `bson:"text" json:"-"`

	// Description is an optional human-authored caption for binaries.
	Description string `bson:"description,omitempty" json:"description,omitempty"`

	// Priority weights fusion tie-breaks; higher wins.
	Priority float64 `bson:"priority,omitempty" json:"priority,omitempty"`

	Size      int64     `bson:"size" json:"size"`
	FetchedAt time.Time `bson:"fetched_at" json:"fetched_at"`

	// IndexedAt is the embedding worker's checkpoint. Zero or earlier than
	// FetchedAt means the document awaits (re)indexing.
	IndexedAt time.Time `bson:"indexed_at,omitempty" json:"indexed_at,omitempty"`

	// Pruned marks documents removed from the active indices by quality
	// heuristics; the stored text is retained.
	Pruned bool `bson:"pruned,omitempty" json:"pruned,omitempty"`
}

// Blob is the original binary payload of a document, stored separately so
// document listings stay projection-friendly.
type Blob struct {
	DocumentID string `bson:"_id"`
	Project    string `bson:"project"`
	MIME       string `bson:"mime"`
	Data       []byte `bson:"data"`
}

// QAPair is manually curated high-priority knowledge. Matches short-circuit
// retrieval entirely.
type QAPair struct {
	ID       string    `bson:"_id" json:"id"`
	Project  string    `bson:"project" json:"project"`
	Question string    `bson:"question" json:"question"`
	Answer   string    `bson:"answer" json:"answer"`
	Priority float64   `bson:"priority" json:"priority"`
	Created  time.Time `bson:"created_at" json:"created_at"`
}

// UnansweredQuestion records a user question the orchestrator could not
// ground in the corpus, for later curation.
type UnansweredQuestion struct {
	ID       string    `bson:"_id" json:"id"`
	Project  string    `bson:"project" json:"project"`
	Question string    `bson:"question" json:"question"`
	AskedAt  time.Time `bson:"asked_at" json:"asked_at"`
}

// HashText computes the canonical content hash of extracted text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DocumentID derives the stable document id from project and content hash.
// Identical text in the same project always yields the same id.
func DocumentID(projectSlug, contentHash string) string {
	return projectSlug + ":" + contentHash[:24]
}
