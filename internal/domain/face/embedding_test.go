package face

import (
	"errors"
	"math"
	"testing"

	"github.com/kailas-cloud/facematch/internal/domain"
)

func TestNewEmbedding_Normalizes(t *testing.T) {
	e, err := NewEmbedding([]float32{3, 4}, "facenet512-v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := e.Vector()
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("unexpected normalized vector: %v", v)
	}
	if e.Dim() != 2 || e.ModelVersion() != "facenet512-v1" {
		t.Errorf("unexpected embedding: dim=%d version=%q", e.Dim(), e.ModelVersion())
	}
}

func TestNewEmbedding_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		vector  []float32
		version string
	}{
		{"empty", nil, "v1"},
		{"zero", []float32{0, 0, 0}, "v1"},
		{"nan", []float32{float32(math.NaN()), 1}, "v1"},
		{"no version", []float32{1, 0}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEmbedding(tc.vector, tc.version)
			if !errors.Is(err, domain.ErrInvalidEmbedding) {
				t.Errorf("expected ErrInvalidEmbedding, got %v", err)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	a, _ := Normalize([]float32{1, 2, 3})
	b, _ := Normalize([]float32{-1, -2, -3})
	c, _ := Normalize([]float32{1, 0, 0})
	d, _ := Normalize([]float32{0, 1, 0})

	if got := Similarity(a, a); got < 0.9999 {
		t.Errorf("self similarity = %f", got)
	}
	if got := Similarity(a, b); got != 0 {
		t.Errorf("opposite vectors must clamp to 0, got %f", got)
	}
	if got := Similarity(c, d); got != 0 {
		t.Errorf("orthogonal vectors = %f", got)
	}
	if got := Similarity(c, []float32{1, 0}); got != 0 {
		t.Errorf("dimension mismatch must be 0, got %f", got)
	}
}

func TestSelectDominant(t *testing.T) {
	big := Detection{Area: Area{W: 200, H: 200}, Vector: []float32{1}}
	small := Detection{Area: Area{W: 50, H: 50}, Vector: []float32{2}}
	similar := Detection{Area: Area{W: 180, H: 190}, Vector: []float32{3}}

	if _, err := SelectDominant(nil, 2); !errors.Is(err, domain.ErrNoFaceDetected) {
		t.Errorf("expected ErrNoFaceDetected, got %v", err)
	}

	got, err := SelectDominant([]Detection{small}, 2)
	if err != nil || got.Vector[0] != 2 {
		t.Errorf("single detection: got %v, %v", got, err)
	}

	got, err = SelectDominant([]Detection{small, big}, 2)
	if err != nil || got.Vector[0] != 1 {
		t.Errorf("dominant detection: got %v, %v", got, err)
	}

	_, err = SelectDominant([]Detection{big, similar, small}, 2)
	if !errors.Is(err, domain.ErrMultipleFacesAmbiguous) {
		t.Errorf("expected ErrMultipleFacesAmbiguous, got %v", err)
	}
	if !errors.Is(err, domain.ErrInput) {
		t.Error("ambiguous faces must be an input error")
	}
}
