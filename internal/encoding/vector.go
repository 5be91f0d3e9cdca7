// Package encoding implements the binary codec used to persist embedding
// vectors as SQLite BLOBs, plus the ingestion-time vector validation shared
// by the store and the index.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Codec errors.
var (
	// ErrMalformedBlob is returned when a stored vector blob cannot be decoded.
	ErrMalformedBlob = errors.New("malformed vector blob")

	// ErrNonFinite is returned when a vector contains NaN or Inf components.
	ErrNonFinite = errors.New("vector contains non-finite components")

	// ErrZeroMagnitude is returned when a vector has zero magnitude; cosine
	// similarity is undefined for it.
	ErrZeroMagnitude = errors.New("vector has zero magnitude")
)

const lenPrefixSize = 4

// EncodeVector serializes a float32 vector as a little-endian blob with a
// uint32 length prefix.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrMalformedBlob
	}
	if len(vector) > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d components", len(vector))
	}

	buf := make([]byte, lenPrefixSize+4*len(vector))
	binary.LittleEndian.PutUint32(buf, uint32(len(vector)))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[lenPrefixSize+4*i:], math.Float32bits(v))
	}
	return buf, nil
}

// DecodeVector deserializes a blob produced by EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < lenPrefixSize {
		return nil, ErrMalformedBlob
	}

	n := binary.LittleEndian.Uint32(data)
	if n > math.MaxInt32 {
		return nil, ErrMalformedBlob
	}
	if len(data) != lenPrefixSize+4*int(n) {
		return nil, fmt.Errorf("%w: %d components declared, %d bytes of data",
			ErrMalformedBlob, n, len(data)-lenPrefixSize)
	}

	vector := make([]float32, n)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[lenPrefixSize+4*i:]))
	}
	return vector, nil
}

// ValidateVector rejects vectors that cannot participate in cosine-similarity
// search: NaN/Inf components and the zero vector.
func ValidateVector(vector []float32) error {
	var sumSq float64
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrNonFinite
		}
		sumSq += f * f
	}
	if sumSq == 0 {
		return ErrZeroMagnitude
	}
	return nil
}
