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

package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lorekeep/lorekeep/pkg/apierr"
)

const (
	projectsCollection = "projects"
	defaultOpTimeout   = 5 * time.Second
)

// Store persists projects in MongoDB.
type Store struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewStore creates a project store over the given database.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		coll:    db.Collection(projectsCollection),
		timeout: defaultOpTimeout,
	}
}

// Get loads a project by slug.
func (s *Store) Get(ctx context.Context, slug string) (*Project, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var p Project
	err := s.coll.FindOne(ctx, bson.M{"_id": slug}).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apierr.New(apierr.KindProjectNotFound, fmt.Sprintf("project %q not found", slug))
		}
		return nil, fmt.Errorf("failed to load project %s: %w", slug, err)
	}
	return &p, nil
}

// Resolve loads a project and verifies it is servable: enabled with a
// configured system prompt.
func (s *Store) Resolve(ctx context.Context, slug string) (*Project, error) {
	p, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, apierr.New(apierr.KindProjectMisconfigured, fmt.Sprintf("project %q is disabled", slug))
	}
	if p.SystemPrompt == "" {
		return nil, apierr.New(apierr.KindProjectMisconfigured, fmt.Sprintf("project %q has no system prompt", slug))
	}
	return p, nil
}

// Upsert creates or updates a project.
func (s *Store) Upsert(ctx context.Context, p *Project) error {
	if err := p.Validate(); err != nil {
		return apierr.Validation("project", err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now().UTC()
	p.UpdatedAt = now

	update := bson.M{
		"$set":         p,
		"$setOnInsert": bson.M{"created_at": now},
	}
	// created_at lives both in the struct and in $setOnInsert; strip it
	// from $set so the insert path wins.
	p.CreatedAt = time.Time{}

	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": p.Slug}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", p.Slug, err)
	}
	return nil
}

// List returns all projects.
func (s *Store) List(ctx context.Context) ([]Project, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cursor, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer cursor.Close(ctx)

	var projects []Project
	if err := cursor.All(ctx, &projects); err != nil {
		return nil, fmt.Errorf("failed to decode projects: %w", err)
	}
	return projects, nil
}

// Delete removes a project. Cascading deletion of documents, chunks and
// sessions is the caller's responsibility (see runtime.DeleteProject).
func (s *Store) Delete(ctx context.Context, slug string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": slug})
	if err != nil {
		return fmt.Errorf("failed to delete project %s: %w", slug, err)
	}
	if res.DeletedCount == 0 {
		return apierr.New(apierr.KindProjectNotFound, fmt.Sprintf("project %q not found", slug))
	}
	return nil
}
