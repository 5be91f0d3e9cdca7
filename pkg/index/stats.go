package index

// Stats describes the current shape of the graph.
type Stats struct {
	Live       int     `json:"live"`
	Tombstoned int     `json:"tombstoned"`
	ArenaSize  int     `json:"arenaSize"`
	MaxLevel   int     `json:"maxLevel"`
	AvgDegree  float64 `json:"avgDegree"`
	Dim        int     `json:"dim"`
}

// Stats returns graph statistics. Degree counts layer-0 edges of live nodes.
func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		Live:       len(h.keys) - int(h.tombstones.GetCardinality()),
		Tombstoned: int(h.tombstones.GetCardinality()),
		ArenaSize:  len(h.nodes),
		Dim:        h.dim,
	}

	edges := 0
	for id, n := range h.nodes {
		if n == nil || h.tombstones.Contains(uint32(id)) {
			continue
		}
		if n.level > s.MaxLevel {
			s.MaxLevel = n.level
		}
		if len(n.neighbors) > 0 {
			edges += len(n.neighbors[0])
		}
	}
	if s.Live > 0 {
		s.AvgDegree = float64(edges) / float64(s.Live)
	}
	return s
}
