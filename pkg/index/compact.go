package index

import (
	"context"
	"runtime"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
)

// Compact physically removes tombstoned nodes. It first repairs the neighbor
// lists of live nodes, bridging through the edges of dying neighbors so
// connectivity survives, then frees the tombstoned arena slots for reuse.
//
// Repair work runs on parallel workers and takes the index lock only in short
// per-node slices, so searches and inserts proceed concurrently. Compact is
// cancellable; a cancelled run leaves the graph valid (tombstones that were
// not freed remain tombstoned and are picked up by the next run).
func (h *HNSW) Compact(ctx context.Context) error {
	h.compactMu.Lock()
	defer h.compactMu.Unlock()

	h.mu.RLock()
	dead := h.tombstones.Clone()
	live := make([]uint32, 0, len(h.keys))
	for id, n := range h.nodes {
		if n != nil && !dead.Contains(uint32(id)) {
			live = append(live, uint32(id))
		}
	}
	h.mu.RUnlock()

	if dead.IsEmpty() {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, id := range live {
		id := id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h.repairNode(id, dead)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	freed := 0
	h.mu.Lock()
	it := dead.Iterator()
	for it.HasNext() {
		id := it.Next()
		n := h.nodeAt(id)
		if n == nil {
			continue
		}
		delete(h.keys, n.key)
		h.nodes[id] = nil
		h.free = append(h.free, id)
		h.tombstones.Remove(id)
		freed++
	}
	if h.hasEntry && h.nodeAt(h.entry) == nil {
		h.electEntryLocked()
	}
	h.mu.Unlock()

	h.logger.Debug("index compaction finished", "freed", freed, "live", len(live))
	return nil
}

// repairNode rewrites one live node's adjacency without dead references. New
// lists are computed under the read lock and swapped in under a brief write
// lock; a concurrent insert that links the node between the two phases loses
// that edge, which approximate search tolerates and the backward edge keeps
// reachable.
func (h *HNSW) repairNode(id uint32, dead *roaring.Bitmap) {
	h.mu.RLock()
	n := h.nodeAt(id)
	if n == nil {
		h.mu.RUnlock()
		return
	}

	plan := make([][]uint32, len(n.neighbors))
	changed := false
	for layer, nbrs := range n.neighbors {
		kept := make([]uint32, 0, len(nbrs))
		var lost []uint32
		for _, nb := range nbrs {
			if h.nodeAt(nb) == nil || dead.Contains(nb) {
				changed = true
				lost = append(lost, nb)
			} else {
				kept = append(kept, nb)
			}
		}

		if len(lost) > 0 {
			kept = h.bridgeReplacements(n, id, layer, kept, lost, dead)
		}
		plan[layer] = kept
	}
	h.mu.RUnlock()

	if !changed {
		return
	}

	h.mu.Lock()
	if h.nodeAt(id) == n {
		n.neighbors = plan
	}
	h.mu.Unlock()
}

// bridgeReplacements merges the live neighbors of each lost neighbor into the
// kept list, re-pruned against the layer bound. Caller holds the read lock.
func (h *HNSW) bridgeReplacements(n *node, id uint32, layer int, kept, lost []uint32, dead *roaring.Bitmap) []uint32 {
	seen := make(map[uint32]struct{}, len(kept)+1)
	seen[id] = struct{}{}
	for _, nb := range kept {
		seen[nb] = struct{}{}
	}

	cands := make([]candidate, 0, len(kept))
	for _, nb := range kept {
		nbNode := h.nodeAt(nb)
		cands = append(cands, candidate{id: nb, dist: CosineDistance(n.vector, nbNode.vector)})
	}

	for _, d := range lost {
		dNode := h.nodeAt(d)
		if dNode == nil || layer >= len(dNode.neighbors) {
			continue
		}
		for _, nb := range dNode.neighbors[layer] {
			if _, ok := seen[nb]; ok {
				continue
			}
			seen[nb] = struct{}{}
			nbNode := h.nodeAt(nb)
			if nbNode == nil || dead.Contains(nb) {
				continue
			}
			cands = append(cands, candidate{id: nb, dist: CosineDistance(n.vector, nbNode.vector)})
		}
	}
	sortByDistance(cands)

	selected := h.selectNeighbors(n.vector, cands, h.maxConnections(layer))
	ids := make([]uint32, len(selected))
	for i, c := range selected {
		ids[i] = c.id
	}
	return ids
}
