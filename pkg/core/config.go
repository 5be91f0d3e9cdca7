package core

import "time"

// HNSWConfig tunes the ANN index. The defaults mirror the classic HNSW
// parameters; optimal values depend on embedding dimensionality and corpus
// size, so they are configuration rather than constants.
type HNSWConfig struct {
	// M is the maximum neighbors per node (layer 0 allows 2*M).
	M int `json:"m"`
	// EfConstruction is the candidate list width during insertion.
	EfConstruction int `json:"efConstruction"`
	// EfSearch is the default candidate list width during search.
	EfSearch int `json:"efSearch"`
	// Seed seeds level assignment; 0 draws a time-based seed.
	Seed int64 `json:"seed,omitempty"`
}

// DefaultHNSWConfig returns M=16, efConstruction=64, efSearch=64.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:              16,
		EfConstruction: 64,
		EfSearch:       64,
	}
}

// Config configures a store.
type Config struct {
	// Path is the SQLite database file.
	Path string `json:"path"`

	// Dimension is the embedding dimension, fixed for the lifetime of the
	// index. Vectors of any other length are rejected at ingestion.
	Dimension int `json:"dimension"`

	// DefaultThreshold is the similarity cutoff applied when a search does
	// not specify one.
	DefaultThreshold float64 `json:"defaultThreshold"`

	// CompactInterval enables periodic background tombstone compaction when
	// positive.
	CompactInterval time.Duration `json:"compactInterval,omitempty"`

	HNSW HNSWConfig `json:"hnsw"`

	Logger Logger `json:"-"`
}

// DefaultConfig returns the defaults for a 1536-dimension corpus with a 0.7
// similarity threshold.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		Dimension:        1536,
		DefaultThreshold: 0.7,
		HNSW:             DefaultHNSWConfig(),
	}
}
