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

// Package llm dispatches chat completions across a pool of Ollama servers
// with health checking, failover and streaming relay.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrServerNotFound is returned for unknown server ids.
var ErrServerNotFound = errors.New("llm server not found")

// Server is one registered Ollama backend.
type Server struct {
	ID        string    `bson:"_id" json:"id"`
	BaseURL   string    `bson:"base_url" json:"base_url"`
	Enabled   bool      `bson:"enabled" json:"enabled"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Registry persists the backend pool in Mongo so the admin surface can
// grow or shrink it at runtime.
type Registry struct {
	servers *mongo.Collection
	timeout time.Duration
}

// NewRegistry creates the registry and its indexes.
func NewRegistry(ctx context.Context, db *mongo.Database) (*Registry, error) {
	r := &Registry{servers: db.Collection("ollama_servers"), timeout: 10 * time.Second}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.servers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "base_url", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm server indexes: %w", err)
	}
	return r, nil
}

// Add registers a backend.
func (r *Registry) Add(ctx context.Context, baseURL string) (*Server, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}

	server := &Server{
		ID:        uuid.New().String(),
		BaseURL:   baseURL,
		Enabled:   true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.servers.InsertOne(ctx, server); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("server %s is already registered", baseURL)
		}
		return nil, fmt.Errorf("failed to register llm server: %w", err)
	}
	return server, nil
}

// SetEnabled toggles a backend without removing it.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.servers.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"enabled": enabled, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to update llm server: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrServerNotFound
	}
	return nil
}

// Remove deletes a backend from the pool.
func (r *Registry) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.servers.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to remove llm server: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrServerNotFound
	}
	return nil
}

// List returns all registered backends.
func (r *Registry) List(ctx context.Context) ([]Server, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cursor, err := r.servers.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list llm servers: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Server
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode llm servers: %w", err)
	}
	return out, nil
}
