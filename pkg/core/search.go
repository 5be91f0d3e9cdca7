package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/triagekit/bugvec/internal/encoding"
	"github.com/triagekit/bugvec/pkg/index"
)

// oversampleFactor scales the initial ANN candidate set above the requested
// limit to compensate for post-filtering losses.
const oversampleFactor = 4

// sqlFilter is the fixed metadata filter shape pushed into the candidate
// join.
type sqlFilter struct {
	contentType ContentType
	product     string
	tiers       map[int]string
}

// Search returns the top-K stored embeddings most similar to the query
// vector, joined with their records, filtered by the options and ranked by
// descending cosine similarity. Ties are broken by insertion order, earliest
// first.
//
// Because ANN search is approximate and filters discard candidates, the
// engine oversamples and, when the filtered set is still short of the limit,
// widens the candidate search (doubling, capped at the index size) instead of
// silently returning fewer matches than exist.
func (s *Store) Search(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("search", ErrStoreClosed)
	}
	if opts.ContentType != "" && !opts.ContentType.Valid() {
		return nil, wrapError("search", fmt.Errorf("%w: %q", ErrInvalidContentType, opts.ContentType))
	}

	filter := sqlFilter{contentType: opts.ContentType, product: opts.Product}
	return s.searchFiltered(ctx, query, filter, opts.Threshold, opts.Limit, opts.EfSearch, "search")
}

// HybridSearch combines similarity search with resolution-tier equality
// filters. Its default threshold is looser (0.6) than plain search, matching
// the intent of widening recall when strong metadata constraints apply.
func (s *Store) HybridSearch(ctx context.Context, query []float32, opts HybridOptions) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("hybrid_search", ErrStoreClosed)
	}
	for level := range opts.ResolutionTiers {
		if level < 1 || level > 3 {
			return nil, wrapError("hybrid_search",
				fmt.Errorf("%w: tier level must be 1, 2 or 3", ErrInvalidInput))
		}
	}

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = 0.6
	}
	filter := sqlFilter{product: opts.Product, tiers: opts.ResolutionTiers}
	return s.searchFiltered(ctx, query, filter, threshold, opts.Limit, opts.EfSearch, "hybrid_search")
}

func (s *Store) searchFiltered(ctx context.Context, query []float32, filter sqlFilter, threshold float64, limit, efSearch int, op string) ([]SearchResult, error) {
	if len(query) != s.config.Dimension {
		return nil, wrapError(op,
			fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), s.config.Dimension))
	}
	if err := encoding.ValidateVector(query); err != nil {
		return nil, wrapError(op, fmt.Errorf("%w: %v", ErrInvalidVector, err))
	}

	if limit <= 0 {
		limit = 10
	}
	if threshold == 0 {
		threshold = s.config.DefaultThreshold
	}
	if efSearch <= 0 {
		efSearch = s.config.HNSW.EfSearch
	}

	total := s.idx.Len()
	if total == 0 {
		return nil, nil
	}

	k := min(limit*oversampleFactor, total)
	for {
		if err := ctx.Err(); err != nil {
			return nil, wrapError(op, err)
		}

		candidates, err := s.idx.Search(query, k, max(efSearch, k))
		if err != nil {
			return nil, wrapError(op, err)
		}

		hits, err := s.resolveCandidates(ctx, candidates, filter, threshold)
		if err != nil {
			return nil, wrapError(op, err)
		}

		if len(hits) >= limit || k >= total {
			if len(hits) > limit {
				hits = hits[:limit]
			}
			return hits, nil
		}
		k = min(k*2, total)
	}
}

// resolveCandidates joins ANN candidates against the records and embeddings
// tables, applying metadata filters and the similarity threshold.
func (s *Store) resolveCandidates(ctx context.Context, candidates []index.Result, filter sqlFilter, threshold float64) ([]SearchResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	distances := make(map[string]float32, len(candidates))
	placeholders := make([]string, len(candidates))
	args := make([]any, 0, len(candidates)+4)
	for i, c := range candidates {
		distances[c.Key] = c.Distance
		placeholders[i] = "?"
		args = append(args, c.Key)
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT e.id, e.content_type, e.content_text, e.rowid,
			b.id, b.incident_number, b.product, b.description, b.closing_notes,
			b.resolution_tier_1, b.resolution_tier_2, b.resolution_tier_3, b.problem_id,
			b.created_at, b.updated_at
		FROM bug_embeddings e
		JOIN bugs b ON b.id = e.bug_id
		WHERE e.id IN (` + strings.Join(placeholders, ", ") + `)`)

	if filter.contentType != "" {
		sb.WriteString(" AND e.content_type = ?")
		args = append(args, string(filter.contentType))
	}
	if filter.product != "" {
		sb.WriteString(" AND b.product = ?")
		args = append(args, filter.product)
	}
	for level := 1; level <= 3; level++ {
		if value, ok := filter.tiers[level]; ok {
			fmt.Fprintf(&sb, " AND b.resolution_tier_%d = ?", level)
			args = append(args, value)
		}
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hits []SearchResult
	var seqs []int64
	for rows.Next() {
		var (
			embID, contentType, contentText string
			seq                             int64
			rec                             BugRecord
			createdAt, updatedAt            string
		)
		if err := rows.Scan(&embID, &contentType, &contentText, &seq,
			&rec.ID, &rec.IncidentNumber, &rec.Product, &rec.Description, &rec.ClosingNotes,
			&rec.ResolutionTier1, &rec.ResolutionTier2, &rec.ResolutionTier3, &rec.ProblemID,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}

		score := index.Similarity(distances[embID])
		if score < threshold {
			continue
		}
		hits = append(hits, SearchResult{
			Record:      rec,
			ContentType: ContentType(contentType),
			ContentText: contentText,
			Score:       score,
		})
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortHits(hits, seqs)
	return hits, nil
}

// sortHits orders by descending similarity, ties by insertion sequence
// ascending for determinism.
func sortHits(hits []SearchResult, seqs []int64) {
	order := make([]int, len(hits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if hits[ia].Score != hits[ib].Score {
			return hits[ia].Score > hits[ib].Score
		}
		return seqs[ia] < seqs[ib]
	})

	sortedHits := make([]SearchResult, len(hits))
	sortedSeqs := make([]int64, len(seqs))
	for i, idx := range order {
		sortedHits[i] = hits[idx]
		sortedSeqs[i] = seqs[idx]
	}
	copy(hits, sortedHits)
	copy(seqs, sortedSeqs)
}
