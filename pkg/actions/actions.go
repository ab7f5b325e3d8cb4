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

// Package actions executes the side effects a model response can request:
// CRM tickets and email notifications. Each (request id, kind) pair runs
// at most once.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Action kinds.
const (
	KindCRMTicket = "crm_ticket"
	KindEmail     = "email"
)

// Job statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

const maxAttempts = 5

// Job is one enqueued side effect.
type Job struct {
	// IdempotencyKey is request_id + ":" + kind; the unique index on it
	// coalesces duplicate enqueues.
	IdempotencyKey string `bson:"_id" json:"idempotency_key"`

	RequestID string         `bson:"request_id" json:"request_id"`
	Project   string         `bson:"project" json:"project"`
	Kind      string         `bson:"kind" json:"kind"`
	Payload   map[string]any `bson:"payload" json:"payload"`

	Status    string    `bson:"status" json:"status"`
	Attempts  int       `bson:"attempts" json:"attempts"`
	LastError string    `bson:"last_error,omitempty" json:"last_error,omitempty"`
	NextRunAt time.Time `bson:"next_run_at" json:"next_run_at"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Store persists action jobs in Mongo.
type Store struct {
	jobs    *mongo.Collection
	timeout time.Duration
}

// NewStore creates the store and its indexes.
func NewStore(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{jobs: db.Collection("action_jobs"), timeout: 10 * time.Second}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_run_at", Value: 1}}},
		{Keys: bson.D{{Key: "project", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create action job indexes: %w", err)
	}
	return s, nil
}

// Enqueue inserts a pending job. A duplicate (request id, kind) is
// coalesced silently; the bool reports whether a new job was created.
func (s *Store) Enqueue(ctx context.Context, projectSlug, requestID, kind string, payload map[string]any) (*Job, bool, error) {
	job := &Job{
		IdempotencyKey: requestID + ":" + kind,
		RequestID:      requestID,
		Project:        projectSlug,
		Kind:           kind,
		Payload:        payload,
		Status:         StatusPending,
		NextRunAt:      time.Now(),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return job, false, nil
		}
		return nil, false, fmt.Errorf("failed to enqueue action job: %w", err)
	}
	return job, true, nil
}

// claim atomically takes one due pending job.
func (s *Store) claim(ctx context.Context) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var job Job
	err := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"status": StatusPending, "next_run_at": bson.M{"$lte": time.Now()}},
		bson.M{"$set": bson.M{"status": StatusRunning, "updated_at": time.Now()}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "next_run_at", Value: 1}}).
			SetReturnDocument(options.After)).
		Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim action job: %w", err)
	}
	return &job, nil
}

// complete finishes a job successfully.
func (s *Store) complete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"status": StatusDone, "updated_at": time.Now()}})
	return err
}

// fail schedules a retry with exponential backoff, or records a terminal
// failure once the attempt budget is spent.
func (s *Store) fail(ctx context.Context, job *Job, cause error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	attempts := job.Attempts + 1
	set := bson.M{
		"attempts":   attempts,
		"last_error": cause.Error(),
		"updated_at": time.Now(),
	}
	if attempts >= maxAttempts {
		set["status"] = StatusFailed
	} else {
		set["status"] = StatusPending
		backoff := time.Duration(1<<uint(attempts)) * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		set["next_run_at"] = time.Now().Add(backoff)
	}

	_, err := s.jobs.UpdateOne(ctx, bson.M{"_id": job.IdempotencyKey}, bson.M{"$set": set})
	return err
}

// Recent lists a project's latest jobs for the admin surface.
func (s *Store) Recent(ctx context.Context, projectSlug string, limit int) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cursor, err := s.jobs.Find(ctx,
		bson.M{"project": projectSlug},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list action jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Job
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode action jobs: %w", err)
	}
	return out, nil
}
