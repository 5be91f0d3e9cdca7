package core

import "time"

// ContentType identifies which text of a bug record an embedding was derived
// from. The set is closed.
type ContentType string

const (
	// ContentDescription embeds the raw problem description.
	ContentDescription ContentType = "description"
	// ContentResolution embeds the closing notes plus resolution tiers.
	ContentResolution ContentType = "resolution"
	// ContentCombined embeds product, description and resolution together.
	ContentCombined ContentType = "combined"
)

// Valid reports whether c is a member of the closed content-type set.
func (c ContentType) Valid() bool {
	switch c {
	case ContentDescription, ContentResolution, ContentCombined:
		return true
	}
	return false
}

// BugRecord is one incident record. ID and IncidentNumber are immutable once
// created; IncidentNumber is unique across live records. Optional fields are
// empty strings when unset.
type BugRecord struct {
	ID              string    `json:"id"`
	IncidentNumber  string    `json:"incidentNumber"`
	Product         string    `json:"product"`
	Description     string    `json:"description"`
	ClosingNotes    string    `json:"closingNotes,omitempty"`
	ResolutionTier1 string    `json:"resolutionTier1,omitempty"`
	ResolutionTier2 string    `json:"resolutionTier2,omitempty"`
	ResolutionTier3 string    `json:"resolutionTier3,omitempty"`
	ProblemID       string    `json:"problemId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// RecordUpdate is a partial update of a record's mutable fields; nil pointers
// leave the field untouched.
type RecordUpdate struct {
	Product         *string
	Description     *string
	ClosingNotes    *string
	ResolutionTier1 *string
	ResolutionTier2 *string
	ResolutionTier3 *string
	ProblemID       *string
}

// Embedding is one stored vector, owned by a bug record. ContentText is the
// exact text the vector was derived from, kept for auditability.
type Embedding struct {
	ID          string      `json:"id"`
	BugID       string      `json:"bugId"`
	ContentType ContentType `json:"contentType"`
	ContentText string      `json:"contentText"`
	Vector      []float32   `json:"vector,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`

	// Seq is the embedding's insertion sequence, used for deterministic
	// tie-breaks when similarity scores are equal.
	Seq int64 `json:"-"`
}

// SearchOptions controls a similarity search. Zero-valued Threshold, Limit
// and EfSearch fall back to the configured defaults; a negative Threshold
// disables the similarity cutoff.
type SearchOptions struct {
	// ContentType restricts hits to one embedding kind; empty means any.
	ContentType ContentType `json:"contentType,omitempty"`
	// Product restricts hits to records of one product; empty means any.
	Product string `json:"product,omitempty"`
	// Threshold is the minimum similarity score of a hit.
	Threshold float64 `json:"threshold,omitempty"`
	// Limit is the maximum number of hits returned.
	Limit int `json:"limit,omitempty"`
	// EfSearch overrides the ANN candidate list width.
	EfSearch int `json:"efSearch,omitempty"`
}

// HybridOptions controls a hybrid search: similarity plus resolution-tier
// equality filters.
type HybridOptions struct {
	Product string `json:"product,omitempty"`
	// ResolutionTiers maps tier level (1..3) to a required value.
	ResolutionTiers map[int]string `json:"resolutionTiers,omitempty"`
	Threshold       float64        `json:"threshold,omitempty"`
	Limit           int            `json:"limit,omitempty"`
	EfSearch        int            `json:"efSearch,omitempty"`
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Record      BugRecord   `json:"record"`
	ContentType ContentType `json:"contentType"`
	ContentText string      `json:"contentText"`
	Score       float64     `json:"score"`
}

// BugInsert bundles a record with its pre-computed embeddings for bulk
// ingestion.
type BugInsert struct {
	Record     BugRecord
	Embeddings []EmbeddingInput
}

// EmbeddingInput is an embedding to attach during ingestion.
type EmbeddingInput struct {
	ContentType ContentType `json:"contentType"`
	ContentText string      `json:"contentText"`
	Vector      []float32   `json:"vector"`
}

// StoreStats summarizes store contents.
type StoreStats struct {
	Records    int64 `json:"records"`
	Embeddings int64 `json:"embeddings"`
	Dimension  int   `json:"dimension"`
}
