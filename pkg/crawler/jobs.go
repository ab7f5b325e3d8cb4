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

package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Job statuses. done, stopped and failed are terminal.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)

// ErrAlreadyRunning is returned when a project already has a non-terminal
// job.
var ErrAlreadyRunning = errors.New("a crawl job is already running for this project")

// ErrNoJob is returned when a project has no job at all.
var ErrNoJob = errors.New("no crawl job for this project")

// Counters is the progress snapshot of a job.
type Counters struct {
	Queued     int64 `bson:"queued" json:"queued"`
	InProgress int64 `bson:"in_progress" json:"in_progress"`
	Done       int64 `bson:"done" json:"done"`
	Failed     int64 `bson:"failed" json:"failed"`
}

// Job is one crawl run.
type Job struct {
	ID       string `bson:"_id" json:"id"`
	Project  string `bson:"project" json:"project"`
	SeedURL  string `bson:"seed_url" json:"seed_url"`
	MaxDepth int    `bson:"max_depth" json:"max_depth"`
	MaxPages int    `bson:"max_pages" json:"max_pages"`

	Status    string   `bson:"status" json:"status"`
	Counters  Counters `bson:"counters" json:"counters"`
	LastURL   string   `bson:"last_url,omitempty" json:"last_url,omitempty"`
	LastError string   `bson:"last_error,omitempty" json:"last_error,omitempty"`

	// Active mirrors "status is non-terminal"; a partial unique index on
	// it enforces one live job per project.
	Active bool `bson:"active,omitempty" json:"-"`

	StartedAt  time.Time  `bson:"started_at" json:"started_at"`
	FinishedAt *time.Time `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `bson:"updated_at" json:"updated_at"`
}

// Terminal reports whether the job has ended.
func (j *Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusStopped || j.Status == StatusFailed
}

// JobError is a structured per-URL failure record for the admin log stream.
type JobError struct {
	JobID      string    `bson:"job_id" json:"job_id"`
	Project    string    `bson:"project" json:"project"`
	URL        string    `bson:"url" json:"url"`
	Kind       string    `bson:"kind" json:"kind"`
	HTTPStatus int       `bson:"http_status,omitempty" json:"http_status,omitempty"`
	Message    string    `bson:"message" json:"message"`
	At         time.Time `bson:"at" json:"at"`
}

// JobStore persists crawl jobs and their error logs in Mongo.
type JobStore struct {
	jobs    *mongo.Collection
	errs    *mongo.Collection
	timeout time.Duration
}

// NewJobStore creates the store and its indexes.
func NewJobStore(ctx context.Context, db *mongo.Database) (*JobStore, error) {
	s := &JobStore{
		jobs:    db.Collection("crawl_jobs"),
		errs:    db.Collection("crawl_errors"),
		timeout: 10 * time.Second,
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "project", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{Keys: bson.D{{Key: "project", Value: 1}, {Key: "started_at", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create crawl job indexes: %w", err)
	}

	_, err = s.errs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "at", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create crawl error indexes: %w", err)
	}
	return s, nil
}

// Create inserts a queued job. The partial unique index turns a concurrent
// start into ErrAlreadyRunning.
func (s *JobStore) Create(ctx context.Context, projectSlug, seedURL string, maxDepth, maxPages int) (*Job, error) {
	job := &Job{
		ID:        uuid.New().String(),
		Project:   projectSlug,
		SeedURL:   seedURL,
		MaxDepth:  maxDepth,
		MaxPages:  maxPages,
		Status:    StatusQueued,
		Active:    true,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to create crawl job: %w", err)
	}
	return job, nil
}

// Latest returns a project's most recent job.
func (s *JobStore) Latest(ctx context.Context, projectSlug string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var job Job
	err := s.jobs.FindOne(ctx,
		bson.M{"project": projectSlug},
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to load crawl job: %w", err)
	}
	return &job, nil
}

// UpdateProgress flushes the counters and last-seen URL.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, counters Counters, lastURL string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	update := bson.M{"counters": counters, "updated_at": time.Now()}
	if lastURL != "" {
		update["last_url"] = lastURL
	}
	_, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("failed to update crawl progress: %w", err)
	}
	return nil
}

// SetStatus transitions the job. Terminal transitions release the active
// slot.
func (s *JobStore) SetStatus(ctx context.Context, jobID, status, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	set := bson.M{"status": status, "updated_at": time.Now()}
	if lastError != "" {
		set["last_error"] = lastError
	}
	update := bson.M{"$set": set}
	if status == StatusDone || status == StatusStopped || status == StatusFailed {
		now := time.Now()
		set["finished_at"] = now
		update["$unset"] = bson.M{"active": ""}
	}

	_, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID}, update)
	if err != nil {
		return fmt.Errorf("failed to set crawl job status: %w", err)
	}
	return nil
}

// RecordError appends a structured failure to the job log.
func (s *JobStore) RecordError(ctx context.Context, jobErr *JobError) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	jobErr.At = time.Now()
	if _, err := s.errs.InsertOne(ctx, jobErr); err != nil {
		return fmt.Errorf("failed to record crawl error: %w", err)
	}
	return nil
}

// Errors returns the most recent failures of a job.
func (s *JobStore) Errors(ctx context.Context, jobID string, limit int) ([]JobError, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cursor, err := s.errs.Find(ctx,
		bson.M{"job_id": jobID},
		options.Find().SetSort(bson.D{{Key: "at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list crawl errors: %w", err)
	}
	defer cursor.Close(ctx)

	var out []JobError
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode crawl errors: %w", err)
	}
	return out, nil
}

// ReleaseStale clears active flags left behind by an unclean shutdown so
// restarts can start new jobs.
func (s *JobStore) ReleaseStale(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.jobs.UpdateMany(ctx,
		bson.M{"active": true},
		bson.M{
			"$set":   bson.M{"status": StatusStopped, "last_error": "interrupted by restart", "updated_at": time.Now()},
			"$unset": bson.M{"active": ""},
		})
	if err != nil {
		return fmt.Errorf("failed to release stale crawl jobs: %w", err)
	}
	return nil
}
