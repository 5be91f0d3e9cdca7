package bugvec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagekit/bugvec/pkg/core"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	config := core.DefaultConfig(filepath.Join(t.TempDir(), "bugs.db"))
	config.Dimension = 4
	config.HNSW.Seed = 7

	db, err := Open(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEndToEndLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := core.BugRecord{
		IncidentNumber: "INC-12345",
		Product:        "WebApp",
		Description:    "Login page crashes when user enters special characters",
	}
	id, err := db.Ingest(ctx, rec)
	require.NoError(t, err)

	v := []float32{0.9, 0.1, 0.3, 0.2}
	embID, err := db.AttachEmbedding(ctx, id, core.ContentDescription, rec.Description, v)
	require.NoError(t, err)
	require.NotEmpty(t, embID)

	// Close the incident, then attach the resolution embedding derived from
	// the refreshed record.
	notes := "Fixed input validation to handle special characters properly"
	require.NoError(t, db.UpdateRecord(ctx, id, core.RecordUpdate{
		ClosingNotes:    &notes,
		ResolutionTier1: ptr("Technical"),
	}))
	updated, err := db.GetRecord(ctx, id)
	require.NoError(t, err)
	_, err = db.AttachEmbedding(ctx, id, core.ContentResolution,
		core.ResolutionText(updated), []float32{0.2, 0.8, 0.1, 0})
	require.NoError(t, err)

	results, err := db.Search(ctx, v, core.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "INC-12345", results[0].Record.IncidentNumber)
	assert.Equal(t, core.ContentDescription, results[0].ContentType)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)

	found, err := db.FindByIncidentNumber(ctx, "INC-12345")
	require.NoError(t, err)
	assert.Equal(t, "Technical", found.ResolutionTier1)

	require.NoError(t, db.DeleteRecord(ctx, id))
	results, err = db.Search(ctx, v, core.SearchOptions{Threshold: -2, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, db.Compact(ctx))
}

func TestIngestBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	inserts := []core.BugInsert{
		{
			Record: core.BugRecord{IncidentNumber: "INC-1", Product: "Auth", Description: "Token refresh loop"},
			Embeddings: []core.EmbeddingInput{
				{ContentType: core.ContentDescription, ContentText: "Token refresh loop", Vector: []float32{1, 0, 0, 0}},
			},
		},
		{
			Record: core.BugRecord{IncidentNumber: "INC-2", Product: "Auth", Description: "Session fixation"},
			Embeddings: []core.EmbeddingInput{
				{ContentType: core.ContentDescription, ContentText: "Session fixation", Vector: []float32{0, 1, 0, 0}},
			},
		},
	}

	done, err := db.IngestBatch(ctx, inserts)
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	results, err := db.Search(ctx, []float32{1, 0, 0, 0}, core.SearchOptions{Product: "Auth", Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "INC-1", results[0].Record.IncidentNumber)
}

func ptr(s string) *string { return &s }
