package index

import "container/heap"

// candidate pairs an internal node id with its distance to the query.
type candidate struct {
	id   uint32
	dist float32
}

// minQueue is a min-heap of candidates ordered by distance; used as the
// expansion frontier during best-first search.
type minQueue []candidate

func (q minQueue) Len() int            { return len(q) }
func (q minQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q minQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *minQueue) Push(x interface{}) { *q = append(*q, x.(candidate)) }

func (q *minQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// maxQueue is a max-heap of candidates ordered by distance; used as the
// bounded result set, with the worst candidate on top for cheap eviction.
type maxQueue []candidate

func (q maxQueue) Len() int            { return len(q) }
func (q maxQueue) Less(i, j int) bool  { return q[i].dist > q[j].dist }
func (q maxQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *maxQueue) Push(x interface{}) { *q = append(*q, x.(candidate)) }

func (q *maxQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// drainAscending empties the max-heap into a slice sorted by ascending
// distance.
func drainAscending(q *maxQueue) []candidate {
	out := make([]candidate, q.Len())
	for i := q.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(q).(candidate)
	}
	return out
}
