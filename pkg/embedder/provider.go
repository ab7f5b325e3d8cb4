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

// Package embedder abstracts the embedding and rerank models.
package embedder

import "context"

// Provider produces dense vectors for text.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for several texts in one round trip
	// where the backend supports it.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the model name.
	Model() string

	// Dimension returns the vector size.
	Dimension() int
}

// Reranker scores (query, passage) pairs with a cross-encoder. Best-effort:
// callers fall back to fused ordering when it fails.
type Reranker interface {
	// Rerank returns one score per passage, higher is more relevant.
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
}
