package core

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	config := DefaultConfig(filepath.Join(t.TempDir(), "bugs.db"))
	config.Dimension = 4
	config.HNSW.Seed = 42

	s, err := New(config)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(incident string) BugRecord {
	return BugRecord{
		IncidentNumber: incident,
		Product:        "Billing",
		Description:    "Invoice totals drift by one cent on partial refunds",
	}
}

func strPtr(s string) *string { return &s }

func TestNewConfigValidation(t *testing.T) {
	_, err := New(Config{Path: "", Dimension: 4})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Path: "x.db", Dimension: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCreateAndGetRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("INC-100")
	rec.ClosingNotes = "Rounded per line item instead of per invoice"
	rec.ResolutionTier1 = "Technical"
	rec.ProblemID = "PRB-9"

	id, err := s.CreateRecord(ctx, rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "INC-100", got.IncidentNumber)
	assert.Equal(t, "Billing", got.Product)
	assert.Equal(t, rec.ClosingNotes, got.ClosingNotes)
	assert.Equal(t, "Technical", got.ResolutionTier1)
	assert.Equal(t, "PRB-9", got.ProblemID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)
}

func TestCreateRecordValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*BugRecord)
	}{
		{name: "missing incident number", mutate: func(r *BugRecord) { r.IncidentNumber = " " }},
		{name: "missing product", mutate: func(r *BugRecord) { r.Product = "" }},
		{name: "missing description", mutate: func(r *BugRecord) { r.Description = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord("INC-101")
			tt.mutate(&rec)
			_, err := s.CreateRecord(ctx, rec)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestDuplicateIncidentNumber(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.CreateRecord(ctx, testRecord("INC-200"))
	require.NoError(t, err)

	dup := testRecord("INC-200")
	dup.Product = "Auth"
	_, err = s.CreateRecord(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateIncident)

	// Store state unchanged: still exactly one record, with the original
	// product.
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Records)

	got, err := s.FindByIncidentNumber(ctx, "INC-200")
	require.NoError(t, err)
	assert.Equal(t, "Billing", got.Product)
}

func TestFindByIncidentNumberNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.FindByIncidentNumber(context.Background(), "INC-999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, testRecord("INC-300"))
	require.NoError(t, err)
	before, err := s.GetRecord(ctx, id)
	require.NoError(t, err)

	err = s.UpdateRecord(ctx, id, RecordUpdate{
		ClosingNotes:    strPtr("Fixed rounding mode"),
		ResolutionTier2: strPtr("Backend"),
	})
	require.NoError(t, err)

	after, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Fixed rounding mode", after.ClosingNotes)
	assert.Equal(t, "Backend", after.ResolutionTier2)
	assert.Equal(t, before.Description, after.Description, "untouched field changed")
	assert.Equal(t, before.IncidentNumber, after.IncidentNumber)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))

	assert.ErrorIs(t, s.UpdateRecord(ctx, id, RecordUpdate{Product: strPtr(" ")}), ErrInvalidInput)
	assert.ErrorIs(t, s.UpdateRecord(ctx, "no-such-id", RecordUpdate{Product: strPtr("Auth")}), ErrNotFound)
}

func TestAddEmbeddingErrors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, testRecord("INC-400"))
	require.NoError(t, err)

	_, err = s.AddEmbedding(ctx, "no-such-id", ContentDescription, "text", []float32{1, 0, 0, 0})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.AddEmbedding(ctx, id, ContentType("summary"), "text", []float32{1, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidContentType)

	_, err = s.AddEmbedding(ctx, id, ContentDescription, "text", []float32{1, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = s.AddEmbedding(ctx, id, ContentDescription, "text", []float32{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidVector)

	// None of the rejected embeddings may have landed.
	embs, err := s.ListEmbeddings(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, embs)
	assert.Zero(t, s.Index().Len())
}

func TestListEmbeddings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, testRecord("INC-500"))
	require.NoError(t, err)

	_, err = s.AddEmbedding(ctx, id, ContentDescription, "desc text", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = s.AddEmbedding(ctx, id, ContentCombined, "combined text", []float32{0, 1, 0, 0})
	require.NoError(t, err)

	embs, err := s.ListEmbeddings(ctx, id)
	require.NoError(t, err)
	require.Len(t, embs, 2)
	assert.Equal(t, ContentDescription, embs[0].ContentType)
	assert.Equal(t, ContentCombined, embs[1].ContentType)
	assert.Equal(t, []float32{1, 0, 0, 0}, embs[0].Vector)
	assert.Less(t, embs[0].Seq, embs[1].Seq)

	_, err = s.ListEmbeddings(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRecordCascade(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, testRecord("INC-600"))
	require.NoError(t, err)
	v := []float32{0.5, 0.5, 0, 0}
	embID1, err := s.AddEmbedding(ctx, id, ContentDescription, "a", v)
	require.NoError(t, err)
	embID2, err := s.AddEmbedding(ctx, id, ContentCombined, "b", []float32{0, 0.5, 0.5, 0})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRecord(ctx, id))

	_, err = s.GetRecord(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Index().Contains(embID1))
	assert.False(t, s.Index().Contains(embID2))

	var count int64
	require.NoError(t, s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bug_embeddings WHERE bug_id = ?", id).Scan(&count))
	assert.Zero(t, count, "orphaned embeddings after cascade")

	// A search with the deleted record's own vector must not surface it.
	results, err := s.Search(ctx, v, SearchOptions{Threshold: -2, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.ErrorIs(t, s.DeleteRecord(ctx, id), ErrNotFound)
}

func TestBulkInsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	inserts := make([]BugInsert, 5)
	for i := range inserts {
		rec := testRecord(fmt.Sprintf("INC-7%02d", i))
		inserts[i] = BugInsert{
			Record: rec,
			Embeddings: []EmbeddingInput{
				{ContentType: ContentDescription, ContentText: rec.Description,
					Vector: []float32{float32(i + 1), 1, 0, 0}},
			},
		}
	}

	done, err := s.BulkInsert(ctx, inserts)
	require.NoError(t, err)
	assert.Equal(t, 5, done)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.Records)
	assert.EqualValues(t, 5, stats.Embeddings)

	// A duplicate mid-batch stops the run and reports the committed count.
	more := []BugInsert{
		{Record: testRecord("INC-710")},
		{Record: testRecord("INC-700")}, // duplicate
		{Record: testRecord("INC-711")},
	}
	done, err = s.BulkInsert(ctx, more)
	assert.ErrorIs(t, err, ErrDuplicateIncident)
	assert.Equal(t, 1, done)
}

func TestRecordsByResolutionTier(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, tier := range []string{"Frontend", "Backend", "Frontend"} {
		rec := testRecord(fmt.Sprintf("INC-8%02d", i))
		rec.ResolutionTier2 = tier
		_, err := s.CreateRecord(ctx, rec)
		require.NoError(t, err)
	}

	records, err := s.RecordsByResolutionTier(ctx, 2, "Frontend", 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "Frontend", rec.ResolutionTier2)
	}

	_, err = s.RecordsByResolutionTier(ctx, 4, "x", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bugs.db")
	config := DefaultConfig(path)
	config.Dimension = 4
	config.HNSW.Seed = 42
	ctx := context.Background()

	s, err := New(config)
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))

	keepID, err := s.CreateRecord(ctx, testRecord("INC-900"))
	require.NoError(t, err)
	v := []float32{0.2, 0.4, 0.6, 0.8}
	_, err = s.AddEmbedding(ctx, keepID, ContentDescription, "kept", v)
	require.NoError(t, err)

	dropID, err := s.CreateRecord(ctx, testRecord("INC-901"))
	require.NoError(t, err)
	_, err = s.AddEmbedding(ctx, dropID, ContentDescription, "dropped", []float32{0.8, 0.6, 0.4, 0.2})
	require.NoError(t, err)
	require.NoError(t, s.DeleteRecord(ctx, dropID))

	require.NoError(t, s.Close())

	reopened, err := New(config)
	require.NoError(t, err)
	require.NoError(t, reopened.Init(ctx))
	t.Cleanup(func() { _ = reopened.Close() })

	assert.Equal(t, 1, reopened.Index().Len())

	results, err := reopened.Search(ctx, v, SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "INC-900", results[0].Record.IncidentNumber)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
}

func TestStoreClosed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Close())

	_, err := s.CreateRecord(ctx, testRecord("INC-950"))
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Search(ctx, []float32{1, 0, 0, 0}, SearchOptions{})
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.DeleteRecord(ctx, "x"), ErrStoreClosed)
}
