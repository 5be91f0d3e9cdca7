package index

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/s2"
)

// snapshotNode is the serialized form of an arena entry.
type snapshotNode struct {
	ID        uint32
	Key       string
	Vector    []float32
	Level     int
	Neighbors [][]uint32
}

// snapshot is the serialized graph: parameters, adjacency lists per layer and
// raw vectors, so a restart rebuilds the index without recomputing distances.
type snapshot struct {
	M              int
	EfConstruction int
	Dim            int
	ArenaSize      uint32
	Entry          uint32
	HasEntry       bool
	Tombstones     []byte
	Nodes          []snapshotNode
}

// Save writes an s2-compressed gob snapshot of the graph.
func (h *HNSW) Save(w io.Writer) error {
	h.mu.RLock()
	snap := snapshot{
		M:              h.m,
		EfConstruction: h.efConstruction,
		Dim:            h.dim,
		ArenaSize:      uint32(len(h.nodes)),
		Entry:          h.entry,
		HasEntry:       h.hasEntry,
		Nodes:          make([]snapshotNode, 0, len(h.keys)),
	}

	tombstones, err := h.tombstones.ToBytes()
	if err != nil {
		h.mu.RUnlock()
		return fmt.Errorf("serialize tombstones: %w", err)
	}
	snap.Tombstones = tombstones

	for id, n := range h.nodes {
		if n == nil {
			continue
		}
		snap.Nodes = append(snap.Nodes, snapshotNode{
			ID:        uint32(id),
			Key:       n.key,
			Vector:    n.vector,
			Level:     n.level,
			Neighbors: n.neighbors,
		})
	}
	h.mu.RUnlock()

	sw := s2.NewWriter(w)
	if err := gob.NewEncoder(sw).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return sw.Close()
}

// Load replaces the index contents with a snapshot written by Save.
func (h *HNSW) Load(r io.Reader) error {
	var snap snapshot
	if err := gob.NewDecoder(s2.NewReader(r)).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	tombstones := roaring.New()
	if len(snap.Tombstones) > 0 {
		if _, err := tombstones.ReadFrom(bytes.NewReader(snap.Tombstones)); err != nil {
			return fmt.Errorf("deserialize tombstones: %w", err)
		}
	}

	nodes := make([]*node, snap.ArenaSize)
	keys := make(map[string]uint32, len(snap.Nodes))
	for _, sn := range snap.Nodes {
		if int(sn.ID) >= len(nodes) {
			return fmt.Errorf("snapshot node %d outside arena of %d", sn.ID, snap.ArenaSize)
		}
		nodes[sn.ID] = &node{
			key:       sn.Key,
			vector:    sn.Vector,
			level:     sn.Level,
			neighbors: sn.Neighbors,
		}
		keys[sn.Key] = sn.ID
	}

	var free []uint32
	for id, n := range nodes {
		if n == nil {
			free = append(free, uint32(id))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.m = snap.M
	h.maxM0 = snap.M * 2
	h.mL = 1.0 / math.Log(float64(snap.M))
	h.efConstruction = snap.EfConstruction
	h.dim = snap.Dim
	h.nodes = nodes
	h.keys = keys
	h.free = free
	h.tombstones = tombstones
	h.entry = snap.Entry
	h.hasEntry = snap.HasEntry
	return nil
}
