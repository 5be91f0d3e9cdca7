package encoding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		vector []float32
	}{
		{name: "small", vector: []float32{1.0, -2.5, 3.25}},
		{name: "single component", vector: []float32{42}},
		{name: "negative zero preserved", vector: []float32{float32(math.Copysign(0, -1)), 1}},
		{name: "high dimension", vector: make([]float32, 1536)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := range tt.vector {
				if tt.vector[i] == 0 && i%2 == 0 {
					tt.vector[i] = float32(i) * 0.001
				}
			}

			blob, err := EncodeVector(tt.vector)
			require.NoError(t, err)
			assert.Len(t, blob, 4+4*len(tt.vector))

			decoded, err := DecodeVector(blob)
			require.NoError(t, err)
			assert.Equal(t, tt.vector, decoded)
		})
	}
}

func TestEncodeVectorNil(t *testing.T) {
	_, err := EncodeVector(nil)
	assert.ErrorIs(t, err, ErrMalformedBlob)
}

func TestDecodeVectorMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short prefix", data: []byte{1, 0}},
		{name: "truncated body", data: []byte{2, 0, 0, 0, 1, 2, 3, 4}},
		{name: "trailing bytes", data: []byte{1, 0, 0, 0, 1, 2, 3, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeVector(tt.data)
			assert.ErrorIs(t, err, ErrMalformedBlob)
		})
	}
}

func TestValidateVector(t *testing.T) {
	assert.NoError(t, ValidateVector([]float32{0.1, 0.2}))
	assert.ErrorIs(t, ValidateVector([]float32{0, 0, 0}), ErrZeroMagnitude)
	assert.ErrorIs(t, ValidateVector([]float32{}), ErrZeroMagnitude)
	assert.ErrorIs(t, ValidateVector([]float32{1, float32(math.NaN())}), ErrNonFinite)
	assert.ErrorIs(t, ValidateVector([]float32{float32(math.Inf(1))}), ErrNonFinite)
}
