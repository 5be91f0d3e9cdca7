// Package index implements the approximate nearest-neighbor index used for
// incident similarity search: a hierarchical navigable small-world (HNSW)
// graph over cosine distance, with tombstone-based deletion and background
// compaction.
package index

import (
	"container/heap"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// Index errors.
var (
	// ErrKeyExists is returned when inserting a key that is already indexed.
	ErrKeyExists = errors.New("key already indexed")

	// ErrKeyNotFound is returned when operating on a key that is not indexed.
	ErrKeyNotFound = errors.New("key not indexed")

	// ErrDimensionMismatch is returned when a vector's dimension differs from
	// the dimension fixed by the first insertion.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// maxLevel caps the randomly assigned node level.
const maxLevel = 32

// Logger is the subset of the engine logger the index reports through.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// Options configures index construction.
type Options struct {
	// M is the maximum number of bidirectional links per node on the upper
	// layers; layer 0 allows 2*M.
	M int

	// EfConstruction is the candidate list width during insertion.
	EfConstruction int

	// Seed seeds level assignment; 0 means a time-based seed.
	Seed int64

	Logger Logger
}

// DefaultOptions returns the construction defaults (M=16, efConstruction=64).
func DefaultOptions() Options {
	return Options{
		M:              16,
		EfConstruction: 64,
	}
}

// Result is a single search hit: the external key of an indexed vector and
// its raw cosine distance to the query. Similarity is 1 - Distance.
type Result struct {
	Key      string
	Distance float32
}

// node is an entry in the graph arena. Neighbors holds one adjacency list per
// layer, from layer 0 up to the node's level, referencing arena slots.
type node struct {
	key       string
	vector    []float32
	level     int
	neighbors [][]uint32
}

// HNSW is a hierarchical navigable small-world graph.
//
// Nodes live in an arena addressed by dense uint32 ids; external keys map to
// arena slots. Deletion tombstones the slot: tombstoned nodes stay in the
// graph as traversal bridges but are never returned from searches and never
// chosen as new neighbors. Compact reclaims them.
//
// Searches take the read lock, mutations the write lock. Compaction holds the
// write lock only in short per-node slices so foreground traffic keeps moving.
type HNSW struct {
	m              int
	maxM0          int
	efConstruction int
	mL             float64
	logger         Logger

	compactMu sync.Mutex // serializes Compact runs

	mu         sync.RWMutex
	nodes      []*node
	keys       map[string]uint32
	free       []uint32
	tombstones *roaring.Bitmap
	entry      uint32
	hasEntry   bool
	dim        int
	rng        *rand.Rand
}

// New creates an empty index.
func New(opts Options) *HNSW {
	if opts.M <= 0 {
		opts.M = 16
	}
	if opts.EfConstruction <= 0 {
		opts.EfConstruction = 64
	}
	if opts.EfConstruction < opts.M {
		opts.EfConstruction = opts.M
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	return &HNSW{
		m:              opts.M,
		maxM0:          opts.M * 2,
		efConstruction: opts.EfConstruction,
		mL:             1.0 / math.Log(float64(opts.M)),
		logger:         opts.Logger,
		keys:           make(map[string]uint32),
		tombstones:     roaring.New(),
		rng:            rand.New(rand.NewSource(opts.Seed)),
	}
}

// randomLevel draws a node level from the geometric distribution with decay
// factor mL = 1/ln(M).
func (h *HNSW) randomLevel() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * h.mL))
	if level > maxLevel {
		level = maxLevel
	}
	return level
}

// maxConnections returns the neighbor list bound for a layer.
func (h *HNSW) maxConnections(layer int) int {
	if layer == 0 {
		return h.maxM0
	}
	return h.m
}

// nodeAt returns the arena entry for id, or nil for dangling references.
func (h *HNSW) nodeAt(id uint32) *node {
	if int(id) >= len(h.nodes) {
		return nil
	}
	return h.nodes[id]
}

// Insert adds a vector under an external key.
func (h *HNSW) Insert(key string, vector []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.keys[key]; exists {
		return ErrKeyExists
	}
	if h.dim == 0 {
		h.dim = len(vector)
	} else if len(vector) != h.dim {
		return ErrDimensionMismatch
	}

	level := h.randomLevel()
	n := &node{
		key:       key,
		vector:    append([]float32(nil), vector...),
		level:     level,
		neighbors: make([][]uint32, level+1),
	}
	id := h.allocate(n)
	h.keys[key] = id

	if !h.hasEntry {
		h.entry = id
		h.hasEntry = true
		return nil
	}

	entryNode := h.nodeAt(h.entry)
	curr := candidate{id: h.entry, dist: CosineDistance(vector, entryNode.vector)}

	// Greedy descent through the layers above the new node's level.
	for lc := entryNode.level; lc > level; lc-- {
		curr = h.greedyClosest(vector, curr, lc)
	}

	eps := []candidate{curr}
	for lc := min(level, entryNode.level); lc >= 0; lc-- {
		found := h.searchLayer(vector, eps, h.efConstruction, lc, false)

		live := found[:0:0]
		for _, c := range found {
			if !h.tombstones.Contains(c.id) {
				live = append(live, c)
			}
		}

		neighbors := h.selectNeighbors(vector, live, h.m)
		ids := make([]uint32, len(neighbors))
		for i, c := range neighbors {
			ids[i] = c.id
		}
		n.neighbors[lc] = ids

		maxConn := h.maxConnections(lc)
		for _, c := range neighbors {
			h.link(c.id, id, c.dist, lc, maxConn)
		}

		eps = found
	}

	if level > entryNode.level {
		h.entry = id
	}
	return nil
}

// greedyClosest walks a single layer greedily toward the query.
func (h *HNSW) greedyClosest(query []float32, start candidate, layer int) candidate {
	curr := start
	for {
		improved := false
		n := h.nodeAt(curr.id)
		if n == nil || layer >= len(n.neighbors) {
			return curr
		}
		for _, nb := range n.neighbors[layer] {
			nbNode := h.nodeAt(nb)
			if nbNode == nil {
				h.logger.Debug("skipping dangling edge", "from", curr.id, "to", nb, "layer", layer)
				continue
			}
			if d := CosineDistance(query, nbNode.vector); d < curr.dist {
				curr = candidate{id: nb, dist: d}
				improved = true
			}
		}
		if !improved {
			return curr
		}
	}
}

// searchLayer runs a bounded best-first search of width ef within one layer,
// returning up to ef candidates sorted by ascending distance. Tombstoned
// nodes are expanded as bridges; when excludeTombstoned is set they are kept
// out of the result set.
func (h *HNSW) searchLayer(query []float32, entryPoints []candidate, ef, layer int, excludeTombstoned bool) []candidate {
	visited := make(map[uint32]struct{}, ef*4)
	frontier := &minQueue{}
	results := &maxQueue{}

	for _, ep := range entryPoints {
		if _, seen := visited[ep.id]; seen {
			continue
		}
		visited[ep.id] = struct{}{}
		heap.Push(frontier, ep)
		if !excludeTombstoned || !h.tombstones.Contains(ep.id) {
			heap.Push(results, ep)
		}
	}

	for frontier.Len() > 0 {
		curr := heap.Pop(frontier).(candidate)
		if results.Len() >= ef && curr.dist > (*results)[0].dist {
			break
		}

		n := h.nodeAt(curr.id)
		if n == nil || layer >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[layer] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}

			nbNode := h.nodeAt(nb)
			if nbNode == nil {
				h.logger.Debug("skipping dangling edge", "from", curr.id, "to", nb, "layer", layer)
				continue
			}

			d := CosineDistance(query, nbNode.vector)
			if results.Len() >= ef && d >= (*results)[0].dist {
				continue
			}

			heap.Push(frontier, candidate{id: nb, dist: d})
			if !excludeTombstoned || !h.tombstones.Contains(nb) {
				heap.Push(results, candidate{id: nb, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	return drainAscending(results)
}

// selectNeighbors applies the diversity heuristic: walking candidates from
// nearest to farthest, a candidate is kept only if it is closer to the base
// vector than to every neighbor already kept, which avoids clustering
// near-duplicates. Pruned candidates backfill remaining slots by distance.
func (h *HNSW) selectNeighbors(base []float32, candidates []candidate, m int) []candidate {
	if len(candidates) <= m {
		return candidates
	}

	selected := make([]candidate, 0, m)
	pruned := make([]candidate, 0, len(candidates))

	for _, c := range candidates {
		if len(selected) == m {
			break
		}
		cNode := h.nodeAt(c.id)
		if cNode == nil {
			continue
		}
		diverse := true
		for _, s := range selected {
			sNode := h.nodeAt(s.id)
			if sNode == nil {
				continue
			}
			if CosineDistance(cNode.vector, sNode.vector) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c)
		} else {
			pruned = append(pruned, c)
		}
	}

	for _, c := range pruned {
		if len(selected) == m {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// link adds a backward edge from an existing node to the new node, pruning
// the neighbor list if it overflows the layer bound.
func (h *HNSW) link(from, to uint32, dist float32, layer, maxConn int) {
	fromNode := h.nodeAt(from)
	if fromNode == nil || layer >= len(fromNode.neighbors) {
		return
	}
	for _, nb := range fromNode.neighbors[layer] {
		if nb == to {
			return
		}
	}

	fromNode.neighbors[layer] = append(fromNode.neighbors[layer], to)
	if len(fromNode.neighbors[layer]) <= maxConn {
		return
	}

	cands := make([]candidate, 0, len(fromNode.neighbors[layer]))
	for _, nb := range fromNode.neighbors[layer] {
		nbNode := h.nodeAt(nb)
		if nbNode == nil {
			continue
		}
		cands = append(cands, candidate{id: nb, dist: CosineDistance(fromNode.vector, nbNode.vector)})
	}
	sortByDistance(cands)

	kept := h.selectNeighbors(fromNode.vector, cands, maxConn)
	ids := make([]uint32, len(kept))
	for i, c := range kept {
		ids[i] = c.id
	}
	fromNode.neighbors[layer] = ids
}

// allocate places a node in the arena, reusing slots freed by compaction.
func (h *HNSW) allocate(n *node) uint32 {
	if len(h.free) > 0 {
		id := h.free[len(h.free)-1]
		h.free = h.free[:len(h.free)-1]
		h.nodes[id] = n
		return id
	}
	h.nodes = append(h.nodes, n)
	return uint32(len(h.nodes) - 1)
}

// Search returns up to k nearest live vectors to the query, sorted by
// ascending distance. ef bounds the layer-0 candidate list and is raised to k
// when smaller.
func (h *HNSW) Search(query []float32, k, ef int) ([]Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.dim != 0 && len(query) != h.dim {
		return nil, ErrDimensionMismatch
	}
	if !h.hasEntry || k <= 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	entryNode := h.nodeAt(h.entry)
	curr := candidate{id: h.entry, dist: CosineDistance(query, entryNode.vector)}
	for lc := entryNode.level; lc > 0; lc-- {
		curr = h.greedyClosest(query, curr, lc)
	}

	found := h.searchLayer(query, []candidate{curr}, ef, 0, true)

	results := make([]Result, 0, min(k, len(found)))
	for _, c := range found {
		if len(results) == k {
			break
		}
		if h.tombstones.Contains(c.id) {
			continue
		}
		n := h.nodeAt(c.id)
		if n == nil {
			continue
		}
		results = append(results, Result{Key: n.key, Distance: c.dist})
	}
	return results, nil
}

// Delete tombstones a key. The node keeps serving as a traversal bridge until
// the next Compact. Deleting an already tombstoned key is a no-op.
func (h *HNSW) Delete(key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, exists := h.keys[key]
	if !exists {
		return ErrKeyNotFound
	}
	h.tombstones.Add(id)

	if h.hasEntry && h.entry == id {
		h.electEntryLocked()
	}
	return nil
}

// Restore clears a tombstone, reviving the node. Used to roll back a cascade
// that tombstoned index entries before its transaction failed.
func (h *HNSW) Restore(key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, exists := h.keys[key]
	if !exists {
		return ErrKeyNotFound
	}
	h.tombstones.Remove(id)

	if n := h.nodeAt(id); n != nil {
		if !h.hasEntry || n.level > h.nodeAt(h.entry).level || h.tombstones.Contains(h.entry) {
			h.entry = id
			h.hasEntry = true
		}
	}
	return nil
}

// electEntryLocked picks the highest-level live node as the new entry point.
// Caller holds the write lock.
func (h *HNSW) electEntryLocked() {
	h.hasEntry = false
	best := -1
	for id, n := range h.nodes {
		if n == nil || h.tombstones.Contains(uint32(id)) {
			continue
		}
		if n.level > best {
			best = n.level
			h.entry = uint32(id)
			h.hasEntry = true
		}
	}
}

// Contains reports whether a key is indexed and live.
func (h *HNSW) Contains(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	id, exists := h.keys[key]
	return exists && !h.tombstones.Contains(id)
}

// Keys returns the external keys of all live vectors, in arena order.
func (h *HNSW) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := make([]string, 0, len(h.keys))
	for id, n := range h.nodes {
		if n == nil || h.tombstones.Contains(uint32(id)) {
			continue
		}
		keys = append(keys, n.key)
	}
	return keys
}

// Len returns the number of live vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.keys) - int(h.tombstones.GetCardinality())
}

// Dim returns the vector dimension fixed by the first insertion, 0 if empty.
func (h *HNSW) Dim() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dim
}

func sortByDistance(cands []candidate) {
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].dist < cands[j-1].dist; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
}
