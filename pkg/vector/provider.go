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

// Package vector is the approximate-nearest-neighbour index over embedded
// chunks. One collection per project guarantees isolation and allows bulk
// rebuild by dropping and re-creating a single collection.
package vector

import "context"

// Point is one embedded chunk.
type Point struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// Result is a scored search hit.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider abstracts the vector database.
//
// Implementations must be safe for concurrent use. All operations are
// scoped by collection; callers derive the collection from the project.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// EnsureCollection creates the collection if absent.
	EnsureCollection(ctx context.Context, collection string, dimension int) error

	// Upsert adds or replaces points in one call.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the topK nearest points by cosine similarity.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// DeleteByFilter removes points whose payload matches the filter.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error

	// DropCollection removes a whole collection.
	DropCollection(ctx context.Context, collection string) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error

	Close() error
}

// CollectionFor derives the per-project collection name.
func CollectionFor(projectSlug string) string {
	return "proj_" + projectSlug
}
