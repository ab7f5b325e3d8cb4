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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	documentsCollection  = "documents"
	blobsCollection      = "document_blobs"
	qaPairsCollection    = "qa_pairs"
	unansweredCollection = "unanswered_questions"
	statsCollection      = "request_stats_daily"

	defaultOpTimeout = 10 * time.Second

	// changeBuffer bounds pending change notifications. When full, writers
	// block, which back-pressures the crawler rather than dropping signals.
	changeBuffer = 256
)

// ErrNotFound is returned for missing documents.
var ErrNotFound = errors.New("document not found")

// Change notifies the embedding worker that a project's corpus moved.
type Change struct {
	Project    string
	DocumentID string
	Deleted    bool
}

// Store is the Mongo-backed document store.
type Store struct {
	documents  *mongo.Collection
	blobs      *mongo.Collection
	qaPairs    *mongo.Collection
	unanswered *mongo.Collection
	stats      *mongo.Collection
	timeout    time.Duration
	changes    chan Change
}

// NewStore creates a document store and ensures its indexes.
func NewStore(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		documents:  db.Collection(documentsCollection),
		blobs:      db.Collection(blobsCollection),
		qaPairs:    db.Collection(qaPairsCollection),
		unanswered: db.Collection(unansweredCollection),
		stats:      db.Collection(statsCollection),
		timeout:    defaultOpTimeout,
		changes:    make(chan Change, changeBuffer),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.documents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "project", Value: 1}, {Key: "content_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "project", Value: 1}, {Key: "fetched_at", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create document indexes: %w", err)
	}

	_, err = s.qaPairs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "project", Value: 1}, {Key: "question", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qa pair indexes: %w", err)
	}

	return s, nil
}

// Changes exposes the document-changed stream consumed by the embedding
// worker. Single consumer.
func (s *Store) Changes() <-chan Change {
	return s.changes
}

func (s *Store) notify(ctx context.Context, change Change) {
	select {
	case s.changes <- change:
	case <-ctx.Done():
	}
}

// Upsert inserts a document if its content hash is new for the project.
// Returns (id, false, nil) when an identical document already exists.
func (s *Store) Upsert(ctx context.Context, doc *Document) (string, bool, error) {
	if doc.Project == "" {
		return "", false, fmt.Errorf("document project is required")
	}
	if doc.ContentHash == "" {
		doc.ContentHash = HashText(doc.Text)
	}
	doc.ID = DocumentID(doc.Project, doc.ContentHash)
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = time.Now().UTC()
	}
	doc.Size = int64(len(doc.Text))

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.documents.InsertOne(opCtx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Identical content already stored; refresh fetched_at so the
			// admin surface reflects the latest sighting.
			_, uerr := s.documents.UpdateOne(opCtx,
				bson.M{"_id": doc.ID},
				bson.M{"$set": bson.M{"fetched_at": doc.FetchedAt}})
			if uerr != nil {
				slog.Warn("Failed to refresh duplicate document", "document", doc.ID, "error", uerr)
			}
			return doc.ID, false, nil
		}
		return "", false, fmt.Errorf("failed to insert document: %w", err)
	}

	s.notify(ctx, Change{Project: doc.Project, DocumentID: doc.ID})
	return doc.ID, true, nil
}

// PutBlob stores the original bytes of a document.
func (s *Store) PutBlob(ctx context.Context, blob *Blob) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.blobs.ReplaceOne(ctx,
		bson.M{"_id": blob.DocumentID},
		blob,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store blob for %s: %w", blob.DocumentID, err)
	}
	return nil
}

// GetBlob retrieves the original bytes of a document.
func (s *Store) GetBlob(ctx context.Context, documentID string) (*Blob, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var blob Blob
	err := s.blobs.FindOne(ctx, bson.M{"_id": documentID}).Decode(&blob)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load blob %s: %w", documentID, err)
	}
	return &blob, nil
}

// Get loads one document.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc Document
	err := s.documents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	return &doc, nil
}

// List returns a project's documents without their text, for the admin
// surface.
func (s *Store) List(ctx context.Context, projectSlug string) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cursor, err := s.documents.Find(ctx,
		bson.M{"project": projectSlug},
		options.Find().SetProjection(bson.M{"text": 0}).SetSort(bson.D{{Key: "fetched_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode documents: %w", err)
	}
	return docs, nil
}

// Pending returns documents needing (re)indexing, oldest fetched first.
func (s *Store) Pending(ctx context.Context, projectSlug string, limit int) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{
		"project": projectSlug,
		"pruned":  bson.M{"$ne": true},
		"$expr":   bson.M{"$lt": bson.A{"$indexed_at", "$fetched_at"}},
	}
	cursor, err := s.documents.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "fetched_at", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode pending documents: %w", err)
	}
	return docs, nil
}

// Projects returns the distinct project slugs present in the store.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var slugs []string
	if err := s.documents.Distinct(ctx, "project", bson.M{}).Decode(&slugs); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return slugs, nil
}

// Indexed returns a project's indexed, unpruned documents with their text.
// The embedding worker uses it to rebuild the in-process lexical index
// after a restart.
func (s *Store) Indexed(ctx context.Context, projectSlug string) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	filter := bson.M{
		"project": projectSlug,
		"pruned":  bson.M{"$ne": true},
		"$expr":   bson.M{"$gte": bson.A{"$indexed_at", "$fetched_at"}},
	}
	cursor, err := s.documents.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexed documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode indexed documents: %w", err)
	}
	return docs, nil
}

// MarkIndexed records the embedding worker's checkpoint.
func (s *Store) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.documents.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"indexed_at": at}})
	if err != nil {
		return fmt.Errorf("failed to mark document indexed: %w", err)
	}
	return nil
}

// ResetIndex clears a project's indexing checkpoints and pruned flags so
// the embedding worker re-embeds every document, for bulk rebuild.
func (s *Store) ResetIndex(ctx context.Context, projectSlug string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.documents.UpdateMany(ctx,
		bson.M{"project": projectSlug},
		bson.M{"$set": bson.M{"indexed_at": time.Time{}, "pruned": false}})
	if err != nil {
		return fmt.Errorf("failed to reset index checkpoints: %w", err)
	}
	return nil
}

// MarkPruned flags a document as removed from the active indices.
func (s *Store) MarkPruned(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.documents.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"pruned": true}})
	if err != nil {
		return fmt.Errorf("failed to mark document pruned: %w", err)
	}
	return nil
}

// Delete removes a document and its blob. The caller must remove the
// document's chunks from the indices before calling, so retrieval never
// observes chunks of a deleted document.
func (s *Store) Delete(ctx context.Context, id string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc Document
	err := s.documents.FindOneAndDelete(opCtx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	if _, err := s.blobs.DeleteOne(opCtx, bson.M{"_id": id}); err != nil {
		slog.Warn("Failed to delete document blob", "document", id, "error", err)
	}

	s.notify(ctx, Change{Project: doc.Project, DocumentID: id, Deleted: true})
	return nil
}

// DeleteProject removes every document, blob, QA pair and stat row of a
// project. Used by project cascade delete.
func (s *Store) DeleteProject(ctx context.Context, projectSlug string) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	filter := bson.M{"project": projectSlug}
	for _, coll := range []*mongo.Collection{s.documents, s.blobs, s.qaPairs, s.unanswered, s.stats} {
		if _, err := coll.DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("failed to cascade delete %s: %w", coll.Name(), err)
		}
	}
	return nil
}
