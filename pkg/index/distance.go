package index

import "math"

// CosineDistance computes 1 - cosine similarity. Vectors are not normalized
// by the index; a zero-magnitude operand yields the maximum distance of 1.0
// (callers are expected to reject zero vectors at ingestion).
func CosineDistance(a, b []float32) float32 {
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 1.0
	}

	sim := float64(dot) / (math.Sqrt(float64(normA)) * math.Sqrt(float64(normB)))
	return float32(1.0 - sim)
}

// Similarity converts a cosine distance back to a cosine similarity score.
func Similarity(dist float32) float64 {
	return 1.0 - float64(dist)
}
