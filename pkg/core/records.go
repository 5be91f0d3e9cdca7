package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const recordColumns = `id, incident_number, product, description, closing_notes,
	resolution_tier_1, resolution_tier_2, resolution_tier_3, problem_id,
	created_at, updated_at`

// CreateRecord inserts a new bug record and returns its assigned id.
func (s *Store) CreateRecord(ctx context.Context, rec BugRecord) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", wrapError("create_record", ErrStoreClosed)
	}
	if err := validateRecord(rec); err != nil {
		return "", wrapError("create_record", err)
	}

	id := uuid.NewString()
	ts := now().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bugs (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, rec.IncidentNumber, rec.Product, rec.Description, rec.ClosingNotes,
		rec.ResolutionTier1, rec.ResolutionTier2, rec.ResolutionTier3, rec.ProblemID,
		ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return "", wrapError("create_record",
				fmt.Errorf("%w: %s", ErrDuplicateIncident, rec.IncidentNumber))
		}
		return "", wrapError("create_record", err)
	}

	s.logger.Debug("record created", "id", id, "incident", rec.IncidentNumber)
	return id, nil
}

func validateRecord(rec BugRecord) error {
	switch {
	case strings.TrimSpace(rec.IncidentNumber) == "":
		return fmt.Errorf("%w: incident_number is required", ErrInvalidInput)
	case strings.TrimSpace(rec.Product) == "":
		return fmt.Errorf("%w: product is required", ErrInvalidInput)
	case strings.TrimSpace(rec.Description) == "":
		return fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	return nil
}

// GetRecord returns the record with the given id.
func (s *Store) GetRecord(ctx context.Context, id string) (BugRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return BugRecord{}, wrapError("get_record", ErrStoreClosed)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM bugs WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return BugRecord{}, wrapError("get_record", fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	if err != nil {
		return BugRecord{}, wrapError("get_record", err)
	}
	return rec, nil
}

// FindByIncidentNumber returns the record with the given incident number.
func (s *Store) FindByIncidentNumber(ctx context.Context, number string) (BugRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return BugRecord{}, wrapError("find_by_incident_number", ErrStoreClosed)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM bugs WHERE incident_number = ?", number)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return BugRecord{}, wrapError("find_by_incident_number",
			fmt.Errorf("%w: %s", ErrNotFound, number))
	}
	if err != nil {
		return BugRecord{}, wrapError("find_by_incident_number", err)
	}
	return rec, nil
}

// UpdateRecord applies a partial update to a record's mutable fields and
// refreshes updated_at. The incident number is immutable.
func (s *Store) UpdateRecord(ctx context.Context, id string, upd RecordUpdate) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("update_record", ErrStoreClosed)
	}

	sets := []string{"updated_at = ?"}
	args := []any{now().Format(timeLayout)}

	assign := func(column string, value *string, required bool) error {
		if value == nil {
			return nil
		}
		if required && strings.TrimSpace(*value) == "" {
			return fmt.Errorf("%w: %s cannot be empty", ErrInvalidInput, column)
		}
		sets = append(sets, column+" = ?")
		args = append(args, *value)
		return nil
	}

	for _, f := range []struct {
		column   string
		value    *string
		required bool
	}{
		{"product", upd.Product, true},
		{"description", upd.Description, true},
		{"closing_notes", upd.ClosingNotes, false},
		{"resolution_tier_1", upd.ResolutionTier1, false},
		{"resolution_tier_2", upd.ResolutionTier2, false},
		{"resolution_tier_3", upd.ResolutionTier3, false},
		{"problem_id", upd.ProblemID, false},
	} {
		if err := assign(f.column, f.value, f.required); err != nil {
			return wrapError("update_record", err)
		}
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE bugs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return wrapError("update_record", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError("update_record", err)
	}
	if affected == 0 {
		return wrapError("update_record", fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	return nil
}

// DeleteRecord removes a record and cascades to its embeddings, in the store
// and in the vector index. The index entries are tombstoned before the
// transaction commits so a committed deletion is never still searchable; if
// the commit fails the tombstones are restored.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("delete_record", ErrStoreClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("delete_record", err)
	}
	defer func() { _ = tx.Rollback() }()

	embIDs, err := embeddingIDs(ctx, tx, id)
	if err != nil {
		return wrapError("delete_record", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM bugs WHERE id = ?", id)
	if err != nil {
		return wrapError("delete_record", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError("delete_record", err)
	}
	if affected == 0 {
		return wrapError("delete_record", fmt.Errorf("%w: %s", ErrNotFound, id))
	}

	tombstoned := make([]string, 0, len(embIDs))
	for _, embID := range embIDs {
		if err := s.idx.Delete(embID); err != nil {
			s.logger.Warn("embedding missing from index during cascade", "id", embID, "error", err)
			continue
		}
		tombstoned = append(tombstoned, embID)
	}

	if err := tx.Commit(); err != nil {
		for _, embID := range tombstoned {
			if rerr := s.idx.Restore(embID); rerr != nil {
				s.logger.Error("failed to restore index entry after rollback", "id", embID, "error", rerr)
			}
		}
		return wrapError("delete_record", err)
	}

	s.logger.Debug("record deleted", "id", id, "embeddings", len(embIDs))
	return nil
}

func embeddingIDs(ctx context.Context, tx *sql.Tx, bugID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM bug_embeddings WHERE bug_id = ?", bugID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordsByResolutionTier returns records whose resolution tier at the given
// level (1..3) equals value, newest first.
func (s *Store) RecordsByResolutionTier(ctx context.Context, level int, value string, limit int) ([]BugRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("records_by_resolution_tier", ErrStoreClosed)
	}
	if level < 1 || level > 3 {
		return nil, wrapError("records_by_resolution_tier",
			fmt.Errorf("%w: tier level must be 1, 2 or 3", ErrInvalidInput))
	}
	if limit <= 0 {
		limit = 50
	}

	column := fmt.Sprintf("resolution_tier_%d", level)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM bugs WHERE "+column+" = ? ORDER BY created_at DESC LIMIT ?",
		value, limit)
	if err != nil {
		return nil, wrapError("records_by_resolution_tier", err)
	}
	defer func() { _ = rows.Close() }()

	var records []BugRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapError("records_by_resolution_tier", err)
		}
		records = append(records, rec)
	}
	return records, wrapError("records_by_resolution_tier", rows.Err())
}

// BulkInsert ingests records with their embeddings in batches. Each record
// commits atomically with its embeddings; a failing record aborts the run
// and reports how many records were committed.
func (s *Store) BulkInsert(ctx context.Context, inserts []BugInsert) (int, error) {
	done := 0
	for i := range inserts {
		ins := &inserts[i]
		id, err := s.CreateRecord(ctx, ins.Record)
		if err != nil {
			return done, err
		}
		for _, emb := range ins.Embeddings {
			if _, err := s.AddEmbedding(ctx, id, emb.ContentType, emb.ContentText, emb.Vector); err != nil {
				return done, err
			}
		}
		done++
		if done%100 == 0 {
			s.logger.Info("bulk insert progress", "records", done)
		}
	}
	return done, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (BugRecord, error) {
	var rec BugRecord
	var createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.IncidentNumber, &rec.Product, &rec.Description,
		&rec.ClosingNotes, &rec.ResolutionTier1, &rec.ResolutionTier2,
		&rec.ResolutionTier3, &rec.ProblemID, &createdAt, &updatedAt)
	if err != nil {
		return BugRecord{}, err
	}

	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return BugRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return BugRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}
