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

// Package indexer keeps the vector and lexical indices in sync with the
// document store.
package indexer

import (
	"strings"
)

// ChunkerConfig controls chunk sizing.
type ChunkerConfig struct {
	// Size is the target chunk length in bytes.
	Size int `yaml:"size"`

	// Overlap is carried from the tail of one chunk into the next so
	// answers spanning a boundary stay retrievable.
	Overlap int `yaml:"overlap"`
}

func (c *ChunkerConfig) SetDefaults() {
	if c.Size == 0 {
		c.Size = 1500
	}
	if c.Overlap <= 0 {
		c.Overlap = c.Size / 5
	}
	if c.Overlap >= c.Size {
		c.Overlap = c.Size / 2
	}
}

// Chunk is one slice of a document's extracted text.
type Chunk struct {
	Content string
	Index   int
	Total   int
}

// Chunker splits extracted text into overlapping chunks. It breaks on line
// boundaries so a chunk never splits mid-line, and carries a tail overlap
// into the following chunk.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a chunker.
func NewChunker(cfg ChunkerConfig) *Chunker {
	cfg.SetDefaults()
	return &Chunker{config: cfg}
}

// Chunk splits content. Blank-only input yields no chunks.
func (c *Chunker) Chunk(content string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= c.config.Size {
		return []Chunk{{Content: content, Index: 0, Total: 1}}
	}

	lines := strings.Split(content, "\n")

	var chunks []Chunk
	var current strings.Builder
	carried := 0 // bytes of overlap carried into current, not new content

	flush := func(lineIdx int) {
		chunks = append(chunks, Chunk{Content: current.String(), Index: len(chunks)})

		// Collect overlap from the tail of the finished chunk.
		var overlap []string
		overlapSize := 0
		for i := lineIdx; i >= 0 && overlapSize < c.config.Overlap; i-- {
			overlap = append([]string{lines[i]}, overlap...)
			overlapSize += len(lines[i]) + 1
		}
		current.Reset()
		for _, line := range overlap {
			current.WriteString(line)
			current.WriteString("\n")
		}
		carried = current.Len()
	}

	for i, line := range lines {
		lineLen := len(line) + 1
		if current.Len() > 0 && current.Len()+lineLen > c.config.Size {
			flush(i - 1)
		}
		current.WriteString(line)
		current.WriteString("\n")

		// A single line longer than the target gets split hard so one
		// pathological line cannot produce an unbounded chunk.
		for current.Len() > c.config.Size*2 {
			text := current.String()
			chunks = append(chunks, Chunk{Content: text[:c.config.Size], Index: len(chunks)})
			current.Reset()
			current.WriteString(text[c.config.Size:])
			carried = 0
		}
	}
	// Skip a trailing chunk that holds nothing beyond the carried overlap.
	if current.Len() > carried && strings.TrimSpace(current.String()) != "" {
		chunks = append(chunks, Chunk{Content: current.String(), Index: len(chunks)})
	}

	for i := range chunks {
		chunks[i].Content = strings.TrimRight(chunks[i].Content, "\n")
		chunks[i].Total = len(chunks)
	}
	return chunks
}
