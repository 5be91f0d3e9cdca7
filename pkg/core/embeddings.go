package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/triagekit/bugvec/internal/encoding"
)

// AddEmbedding attaches a vector to an existing record. Embeddings can be
// added incrementally, e.g. a resolution embedding once closing notes land,
// without touching the record itself.
//
// The vector is indexed before the row commits; if the transaction fails the
// index entry is tombstoned again, so the index never serves an embedding
// the database did not commit for long.
func (s *Store) AddEmbedding(ctx context.Context, bugID string, contentType ContentType, text string, vector []float32) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", wrapError("add_embedding", ErrStoreClosed)
	}
	if !contentType.Valid() {
		return "", wrapError("add_embedding",
			fmt.Errorf("%w: %q", ErrInvalidContentType, contentType))
	}
	if len(vector) != s.config.Dimension {
		return "", wrapError("add_embedding",
			fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.config.Dimension))
	}
	if err := encoding.ValidateVector(vector); err != nil {
		return "", wrapError("add_embedding", fmt.Errorf("%w: %v", ErrInvalidVector, err))
	}

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM bugs WHERE id = ?", bugID).Scan(&exists)
	if err == sql.ErrNoRows {
		return "", wrapError("add_embedding", fmt.Errorf("%w: %s", ErrNotFound, bugID))
	}
	if err != nil {
		return "", wrapError("add_embedding", err)
	}

	blob, err := encoding.EncodeVector(vector)
	if err != nil {
		return "", wrapError("add_embedding", err)
	}

	id := uuid.NewString()
	ts := now().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", wrapError("add_embedding", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bug_embeddings (id, bug_id, content_type, content_text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, bugID, string(contentType), text, blob, ts); err != nil {
		return "", wrapError("add_embedding", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE bugs SET updated_at = ? WHERE id = ?", ts, bugID); err != nil {
		return "", wrapError("add_embedding", err)
	}

	if err := s.idx.Insert(id, vector); err != nil {
		return "", wrapError("add_embedding", err)
	}
	if err := tx.Commit(); err != nil {
		if derr := s.idx.Delete(id); derr != nil {
			s.logger.Error("failed to unindex embedding after rollback", "id", id, "error", derr)
		}
		return "", wrapError("add_embedding", err)
	}

	s.logger.Debug("embedding added", "id", id, "bug", bugID, "contentType", contentType)
	return id, nil
}

// ListEmbeddings returns all embeddings of a record, in insertion order.
func (s *Store) ListEmbeddings(ctx context.Context, bugID string) ([]Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("list_embeddings", ErrStoreClosed)
	}

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM bugs WHERE id = ?", bugID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, wrapError("list_embeddings", fmt.Errorf("%w: %s", ErrNotFound, bugID))
	}
	if err != nil {
		return nil, wrapError("list_embeddings", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bug_id, content_type, content_text, embedding, created_at, rowid
		FROM bug_embeddings WHERE bug_id = ? ORDER BY rowid
	`, bugID)
	if err != nil {
		return nil, wrapError("list_embeddings", err)
	}
	defer func() { _ = rows.Close() }()

	var embeddings []Embedding
	for rows.Next() {
		emb, err := scanEmbedding(rows)
		if err != nil {
			return nil, wrapError("list_embeddings", err)
		}
		embeddings = append(embeddings, emb)
	}
	return embeddings, wrapError("list_embeddings", rows.Err())
}

func scanEmbedding(rows *sql.Rows) (Embedding, error) {
	var emb Embedding
	var contentType, createdAt string
	var blob []byte
	if err := rows.Scan(&emb.ID, &emb.BugID, &contentType, &emb.ContentText,
		&blob, &createdAt, &emb.Seq); err != nil {
		return Embedding{}, err
	}

	emb.ContentType = ContentType(contentType)
	vector, err := encoding.DecodeVector(blob)
	if err != nil {
		return Embedding{}, fmt.Errorf("decode embedding %s: %w", emb.ID, err)
	}
	emb.Vector = vector

	if emb.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Embedding{}, fmt.Errorf("parse created_at: %w", err)
	}
	return emb, nil
}
