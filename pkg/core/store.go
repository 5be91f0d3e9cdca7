// Package core implements the incident similarity engine: a durable record
// and embedding store on SQLite with an in-process HNSW index over the
// embedding vectors, queried through filtered threshold top-K search.
package core

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/triagekit/bugvec/internal/encoding"
	"github.com/triagekit/bugvec/pkg/index"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is the timestamp format persisted in SQLite.
const timeLayout = time.RFC3339Nano

// snapshotName keys the serialized graph in index_snapshots.
const snapshotName = "hnsw"

// Store owns one records/embeddings database and its vector index.
type Store struct {
	db     *sql.DB
	config Config
	logger Logger
	idx    *index.HNSW

	mu     sync.RWMutex
	closed bool

	stopCompact chan struct{}
	compactDone sync.WaitGroup
}

// New creates a store for the given configuration. Init must be called
// before use.
func New(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, wrapError("init", fmt.Errorf("%w: database path is empty", ErrInvalidConfig))
	}
	if config.Dimension <= 0 {
		return nil, wrapError("init", fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig))
	}
	if config.DefaultThreshold == 0 {
		config.DefaultThreshold = 0.7
	}
	if config.HNSW.M <= 0 {
		config.HNSW = DefaultHNSWConfig()
	}
	if config.HNSW.EfSearch <= 0 {
		config.HNSW.EfSearch = 64
	}
	if config.Logger == nil {
		config.Logger = NopLogger()
	}

	return &Store{
		config: config,
		logger: config.Logger,
	}, nil
}

// Init opens the database, creates the schema and restores the vector index
// from the persisted snapshot, falling back to a rebuild from the embedding
// rows.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("init", ErrStoreClosed)
	}

	// WAL for read concurrency, busy_timeout so writers wait instead of
	// failing under contention, foreign_keys for the embedding cascade. The
	// pragmas ride the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", s.config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return wrapError("init", fmt.Errorf("open database: %w", err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)
	s.db = db

	if err := s.createTables(ctx); err != nil {
		return wrapError("init", err)
	}

	s.idx = index.New(index.Options{
		M:              s.config.HNSW.M,
		EfConstruction: s.config.HNSW.EfConstruction,
		Seed:           s.config.HNSW.Seed,
		Logger:         s.logger.With("component", "index"),
	})
	if err := s.restoreIndex(ctx); err != nil {
		return wrapError("init", err)
	}

	if s.config.CompactInterval > 0 {
		s.startAutoCompact(s.config.CompactInterval)
	}
	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bugs (
		id TEXT PRIMARY KEY,
		incident_number TEXT UNIQUE NOT NULL,
		product TEXT NOT NULL,
		description TEXT NOT NULL,
		closing_notes TEXT NOT NULL DEFAULT '',
		resolution_tier_1 TEXT NOT NULL DEFAULT '',
		resolution_tier_2 TEXT NOT NULL DEFAULT '',
		resolution_tier_3 TEXT NOT NULL DEFAULT '',
		problem_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bug_embeddings (
		id TEXT PRIMARY KEY,
		bug_id TEXT NOT NULL,
		content_type TEXT NOT NULL CHECK (content_type IN ('description', 'resolution', 'combined')),
		content_text TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (bug_id) REFERENCES bugs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_bug_embeddings_bug_id ON bug_embeddings(bug_id);
	CREATE INDEX IF NOT EXISTS idx_bug_embeddings_content_type ON bug_embeddings(content_type);
	CREATE INDEX IF NOT EXISTS idx_bugs_product ON bugs(product);
	CREATE INDEX IF NOT EXISTS idx_bugs_problem_id ON bugs(problem_id);
	CREATE INDEX IF NOT EXISTS idx_bugs_resolution_tier_1 ON bugs(resolution_tier_1);
	CREATE INDEX IF NOT EXISTS idx_bugs_resolution_tier_2 ON bugs(resolution_tier_2);
	CREATE INDEX IF NOT EXISTS idx_bugs_resolution_tier_3 ON bugs(resolution_tier_3);

	CREATE TABLE IF NOT EXISTS index_snapshots (
		name TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// restoreIndex loads the persisted graph snapshot and reconciles it against
// the embedding rows, so a snapshot taken before a crash still converges to
// the database contents. Without a snapshot the graph is rebuilt from rows.
func (s *Store) restoreIndex(ctx context.Context) error {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM index_snapshots WHERE name = ?", snapshotName).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		// No snapshot, full rebuild below.
	case err != nil:
		return fmt.Errorf("load index snapshot: %w", err)
	default:
		if err := s.idx.Load(bytes.NewReader(data)); err != nil {
			s.logger.Warn("index snapshot unreadable, rebuilding", "error", err)
			s.idx = index.New(index.Options{
				M:              s.config.HNSW.M,
				EfConstruction: s.config.HNSW.EfConstruction,
				Seed:           s.config.HNSW.Seed,
				Logger:         s.logger.With("component", "index"),
			})
		}
	}

	indexed := make(map[string]bool, s.idx.Len())
	for _, key := range s.idx.Keys() {
		indexed[key] = false
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, embedding FROM bug_embeddings")
	if err != nil {
		return fmt.Errorf("scan embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("scan embedding row: %w", err)
		}
		if _, ok := indexed[id]; ok {
			indexed[id] = true
			continue
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			s.logger.Warn("skipping undecodable embedding", "id", id, "error", err)
			continue
		}
		if err := s.idx.Insert(id, vec); err != nil {
			s.logger.Warn("skipping unindexable embedding", "id", id, "error", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan embeddings: %w", err)
	}

	// Index entries whose rows are gone were deleted after the snapshot.
	for key, present := range indexed {
		if !present {
			if err := s.idx.Delete(key); err != nil {
				s.logger.Warn("dropping stale index entry", "id", key, "error", err)
			}
		}
	}
	return nil
}

// SaveIndexSnapshot persists the serialized graph so a restart rebuilds the
// index without recomputing distances.
func (s *Store) SaveIndexSnapshot(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("snapshot", ErrStoreClosed)
	}

	var buf bytes.Buffer
	if err := s.idx.Save(&buf); err != nil {
		return wrapError("snapshot", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_snapshots (name, data, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, created_at = excluded.created_at
	`, snapshotName, buf.Bytes(), time.Now().UTC().Format(timeLayout))
	return wrapError("snapshot", err)
}

// Compact runs tombstone compaction on the index and persists the compacted
// graph.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return wrapError("compact", ErrStoreClosed)
	}
	idx := s.idx
	s.mu.RUnlock()

	if err := idx.Compact(ctx); err != nil {
		return wrapError("compact", err)
	}
	return s.SaveIndexSnapshot(ctx)
}

// startAutoCompact launches the background compaction loop. Caller holds the
// write lock.
func (s *Store) startAutoCompact(interval time.Duration) {
	s.stopCompact = make(chan struct{})
	s.compactDone.Add(1)

	go func() {
		defer s.compactDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCompact:
				return
			case <-ticker.C:
				if err := s.Compact(context.Background()); err != nil {
					s.logger.Warn("background compaction failed", "error", err)
				}
			}
		}
	}()
}

// Index exposes the vector index, mainly for stats and tests.
func (s *Store) Index() *index.HNSW {
	return s.idx
}

// Stats returns store counts.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return StoreStats{}, wrapError("stats", ErrStoreClosed)
	}

	stats := StoreStats{Dimension: s.config.Dimension}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bugs").Scan(&stats.Records); err != nil {
		return StoreStats{}, wrapError("stats", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bug_embeddings").Scan(&stats.Embeddings); err != nil {
		return StoreStats{}, wrapError("stats", err)
	}
	return stats, nil
}

// Close persists a final index snapshot and closes the database. The store
// is unusable afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.stopCompact != nil {
		close(s.stopCompact)
	}
	initialized := s.db != nil && s.idx != nil
	s.mu.Unlock()
	s.compactDone.Wait()

	if initialized {
		if err := s.SaveIndexSnapshot(context.Background()); err != nil {
			s.logger.Warn("final index snapshot failed", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// isUniqueViolation detects the SQLite unique-constraint error for the
// incident number.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// now returns the current UTC time truncated to the persisted precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return t, nil
}
