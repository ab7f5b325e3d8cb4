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

package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Caps applied to imported QA rows. Longer values are truncated, not
// rejected; the import report counts truncations.
const (
	MaxQuestionLen = 1000
	MaxAnswerLen   = 10000
)

// AddQAPair inserts a curated pair. Returns false when the identical
// question already exists for the project.
func (s *Store) AddQAPair(ctx context.Context, pair *QAPair) (bool, error) {
	if pair.Project == "" || pair.Question == "" {
		return false, fmt.Errorf("qa pair requires project and question")
	}
	if pair.ID == "" {
		pair.ID = uuid.NewString()
	}
	if pair.Created.IsZero() {
		pair.Created = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.qaPairs.InsertOne(ctx, pair)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert qa pair: %w", err)
	}
	return true, nil
}

// QAPairs returns all curated pairs for a project.
func (s *Store) QAPairs(ctx context.Context, projectSlug string) ([]QAPair, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cursor, err := s.qaPairs.Find(ctx, bson.M{"project": projectSlug})
	if err != nil {
		return nil, fmt.Errorf("failed to list qa pairs: %w", err)
	}
	defer cursor.Close(ctx)

	var pairs []QAPair
	if err := cursor.All(ctx, &pairs); err != nil {
		return nil, fmt.Errorf("failed to decode qa pairs: %w", err)
	}
	return pairs, nil
}

// DeleteQAPair removes one pair by id within a project.
func (s *Store) DeleteQAPair(ctx context.Context, projectSlug, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.qaPairs.DeleteOne(ctx, bson.M{"_id": id, "project": projectSlug})
	if err != nil {
		return fmt.Errorf("failed to delete qa pair: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordUnanswered logs a question the orchestrator could not answer.
func (s *Store) RecordUnanswered(ctx context.Context, projectSlug, question string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.unanswered.InsertOne(ctx, &UnansweredQuestion{
		ID:       uuid.NewString(),
		Project:  projectSlug,
		Question: question,
		AskedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to record unanswered question: %w", err)
	}
	return nil
}

// Unanswered lists recorded questions for curation.
func (s *Store) Unanswered(ctx context.Context, projectSlug string) ([]UnansweredQuestion, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cursor, err := s.unanswered.Find(ctx, bson.M{"project": projectSlug})
	if err != nil {
		return nil, fmt.Errorf("failed to list unanswered questions: %w", err)
	}
	defer cursor.Close(ctx)

	var questions []UnansweredQuestion
	if err := cursor.All(ctx, &questions); err != nil {
		return nil, fmt.Errorf("failed to decode unanswered questions: %w", err)
	}
	return questions, nil
}

// IncrementRequestStats bumps the per-project daily chat counter.
// Append-only: rows are never decremented or rewritten.
func (s *Store) IncrementRequestStats(ctx context.Context, projectSlug string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	day := time.Now().UTC().Format("2006-01-02")
	_, err := s.stats.UpdateOne(ctx,
		bson.M{"_id": projectSlug + ":" + day},
		bson.M{
			"$inc":         bson.M{"count": 1},
			"$setOnInsert": bson.M{"project": projectSlug, "day": day},
		},
		mongoUpsert())
	if err != nil {
		return fmt.Errorf("failed to increment request stats: %w", err)
	}
	return nil
}

// RequestStats returns daily counters for a project.
func (s *Store) RequestStats(ctx context.Context, projectSlug string) ([]bson.M, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cursor, err := s.stats.Find(ctx, bson.M{"project": projectSlug})
	if err != nil {
		return nil, fmt.Errorf("failed to list request stats: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode request stats: %w", err)
	}
	return rows, nil
}
