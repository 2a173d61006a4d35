// Package face holds face embeddings and the math the index relies on.
package face

import (
	"fmt"
	"math"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// Embedding is an identity vector tagged with the extraction model version that produced it.
type Embedding struct {
	vector       []float32
	modelVersion string
}

// NewEmbedding validates and L2-normalizes a raw vector.
func NewEmbedding(vector []float32, modelVersion string) (Embedding, error) {
	if len(vector) == 0 {
		return Embedding{}, fmt.Errorf("empty vector: %w", domain.ErrInvalidEmbedding)
	}
	if modelVersion == "" {
		return Embedding{}, fmt.Errorf("model version is required: %w", domain.ErrInvalidEmbedding)
	}
	normalized, ok := Normalize(vector)
	if !ok {
		return Embedding{}, fmt.Errorf("zero or non-finite vector: %w", domain.ErrInvalidEmbedding)
	}
	return Embedding{vector: normalized, modelVersion: modelVersion}, nil
}

// ReconstructEmbedding restores a stored embedding without re-normalizing it.
func ReconstructEmbedding(vector []float32, modelVersion string) Embedding {
	return Embedding{vector: vector, modelVersion: modelVersion}
}

// Vector returns the normalized vector. Callers must not mutate it.
func (e Embedding) Vector() []float32 { return e.vector }

// ModelVersion returns the extraction model version.
func (e Embedding) ModelVersion() string { return e.modelVersion }

// Dim returns the vector dimensionality.
func (e Embedding) Dim() int { return len(e.vector) }

// IsZero reports whether the embedding is unset.
func (e Embedding) IsZero() bool { return len(e.vector) == 0 }

// Normalize returns a unit-length copy of v. ok is false for zero or non-finite input.
func Normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		sum += f * f
	}
	if sum == 0 {
		return nil, false
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, true
}

// Similarity is the cosine similarity of two normalized vectors clamped to [0, 1].
// Vectors of different length are never similar.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	switch {
	case dot < 0:
		return 0
	case dot > 1:
		return 1
	}
	return dot
}
