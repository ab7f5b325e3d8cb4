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

// Package cache provides the uniform namespaced key→bytes store with TTL
// used by retrieval, the LLM cluster and the voice pipeline.
//
// Keys are always composed as <namespace>:<project>:<key>, which makes
// cross-project reads impossible by construction and lets a whole
// project/namespace pair be invalidated at once.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Namespaces used across the platform. New namespaces must be registered
// here so invalidation sweeps know about them.
const (
	NamespaceSearch    = "search"
	NamespaceEmbedding = "embedding"
	NamespaceLLM       = "llm"
	NamespaceTTS       = "tts"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a TTL'd byte store. Implementations must be safe for concurrent
// use and must treat unreachable backends as misses, never as failures that
// propagate to request paths.
type Store interface {
	// Get returns the value for key or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error

	Close() error
}

// Key composes the canonical cache key for a namespace, project and key.
func Key(namespace, project, key string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, project, key)
}

// Namespace is a Store view bound to one namespace and project. All reads
// and writes go through the composed key, so a Namespace handed to a
// component cannot touch another project's entries.
type Namespace struct {
	store     Store
	namespace string
	project   string
	ttl       time.Duration
}

// NewNamespace binds a store to a (namespace, project) pair with a default TTL.
func NewNamespace(store Store, namespace, project string, ttl time.Duration) *Namespace {
	return &Namespace{store: store, namespace: namespace, project: project, ttl: ttl}
}

func (n *Namespace) Get(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(ctx, Key(n.namespace, n.project, key))
}

func (n *Namespace) Set(ctx context.Context, key string, value []byte) error {
	return n.store.Set(ctx, Key(n.namespace, n.project, key), value, n.ttl)
}

func (n *Namespace) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.store.Set(ctx, Key(n.namespace, n.project, key), value, ttl)
}

func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, Key(n.namespace, n.project, key))
}

// Invalidate drops every entry in this namespace for this project.
func (n *Namespace) Invalidate(ctx context.Context) error {
	return n.store.DeletePrefix(ctx, fmt.Sprintf("%s:%s:", n.namespace, n.project))
}

// InvalidateNamespace drops one namespace's entries for a project.
func InvalidateNamespace(ctx context.Context, store Store, namespace, project string) error {
	return store.DeletePrefix(ctx, fmt.Sprintf("%s:%s:", namespace, project))
}

// InvalidateProject drops all namespaces for a project, used when its
// indices are rebuilt or the project is deleted.
func InvalidateProject(ctx context.Context, store Store, project string) error {
	var firstErr error
	for _, ns := range []string{NamespaceSearch, NamespaceEmbedding, NamespaceLLM, NamespaceTTS} {
		if err := store.DeletePrefix(ctx, fmt.Sprintf("%s:%s:", ns, project)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
