// Package bugvec is the call surface of the incident similarity engine: a
// thin facade over the core store exposing ingestion, embedding attachment,
// record mutation and similarity search.
//
// The engine does not generate embeddings; callers supply pre-computed
// vectors of the configured dimension. ResolutionText and CombinedText from
// pkg/core build the canonical texts to embed for the non-description
// content types.
package bugvec

import (
	"context"
	"fmt"

	"github.com/triagekit/bugvec/pkg/core"
)

// DB is one engine instance owning an independent store and vector index.
type DB struct {
	store *core.Store
}

// Open opens or creates an engine instance at config.Path.
func Open(ctx context.Context, config core.Config) (*DB, error) {
	store, err := core.New(config)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	return &DB{store: store}, nil
}

// Ingest creates a bug record and returns its assigned id.
func (db *DB) Ingest(ctx context.Context, rec core.BugRecord) (string, error) {
	return db.store.CreateRecord(ctx, rec)
}

// IngestBatch bulk-inserts records with their embeddings, returning the
// number of records committed.
func (db *DB) IngestBatch(ctx context.Context, inserts []core.BugInsert) (int, error) {
	return db.store.BulkInsert(ctx, inserts)
}

// AttachEmbedding attaches a pre-computed vector to a record. Embeddings can
// be attached incrementally, e.g. a resolution embedding once the incident
// is closed.
func (db *DB) AttachEmbedding(ctx context.Context, recordID string, contentType core.ContentType, text string, vector []float32) (string, error) {
	return db.store.AddEmbedding(ctx, recordID, contentType, text, vector)
}

// UpdateRecord applies a partial update to a record's mutable fields.
func (db *DB) UpdateRecord(ctx context.Context, recordID string, upd core.RecordUpdate) error {
	return db.store.UpdateRecord(ctx, recordID, upd)
}

// DeleteRecord removes a record and all its embeddings from the store and
// the index.
func (db *DB) DeleteRecord(ctx context.Context, recordID string) error {
	return db.store.DeleteRecord(ctx, recordID)
}

// GetRecord returns a record by id.
func (db *DB) GetRecord(ctx context.Context, recordID string) (core.BugRecord, error) {
	return db.store.GetRecord(ctx, recordID)
}

// FindByIncidentNumber returns a record by its external incident number.
func (db *DB) FindByIncidentNumber(ctx context.Context, number string) (core.BugRecord, error) {
	return db.store.FindByIncidentNumber(ctx, number)
}

// Search runs a filtered similarity search over the stored embeddings.
func (db *DB) Search(ctx context.Context, query []float32, opts core.SearchOptions) ([]core.SearchResult, error) {
	return db.store.Search(ctx, query, opts)
}

// HybridSearch runs a similarity search with resolution-tier filters.
func (db *DB) HybridSearch(ctx context.Context, query []float32, opts core.HybridOptions) ([]core.SearchResult, error) {
	return db.store.HybridSearch(ctx, query, opts)
}

// Compact reclaims tombstoned index nodes and persists the compacted graph.
func (db *DB) Compact(ctx context.Context) error {
	return db.store.Compact(ctx)
}

// Store exposes the underlying core store for advanced operations.
func (db *DB) Store() *core.Store {
	return db.store
}

// Close persists the index snapshot and releases the database.
func (db *DB) Close() error {
	return db.store.Close()
}
