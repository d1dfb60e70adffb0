package embedding

import (
	"context"
	"crypto/sha256"
)

// Deterministic derives vectors by chaining SHA-256 over the input text. The
// same text always yields the same vector, no network is involved, and
// vectors land in [0, 1] per component. It backs demo mode and every test.
type Deterministic struct {
	dimensions int
}

// NewDeterministic constructs a deterministic provider with the given vector
// length. Non-positive dimensions fall back to DefaultDimensions.
func NewDeterministic(dimensions int) *Deterministic {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Deterministic{dimensions: dimensions}
}

// Dimensions returns the configured vector length.
func (d *Deterministic) Dimensions() int { return d.dimensions }

// EmbedDocuments implements Provider.
func (d *Deterministic) EmbedDocuments(_ context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = d.hashVector(text)
	}
	return vectors, nil
}

// EmbedQuery implements Provider.
func (d *Deterministic) EmbedQuery(_ context.Context, text string) ([]float64, error) {
	return d.hashVector(text), nil
}

// hashVector stretches the text hash until enough bytes exist, then scales
// the first dimensions bytes into [0, 1].
func (d *Deterministic) hashVector(text string) []float64 {
	required := d.dimensions * 2
	if required < 64 {
		required = 64
	}
	source := make([]byte, 0, required+sha256.Size)
	seed := []byte(text)
	for len(source) < required {
		digest := sha256.Sum256(seed)
		seed = digest[:]
		source = append(source, digest[:]...)
	}
	vector := make([]float64, d.dimensions)
	for i := 0; i < d.dimensions; i++ {
		vector[i] = float64(source[i]) / 255.0
	}
	return vector
}
