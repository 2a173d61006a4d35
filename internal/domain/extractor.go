package domain

import "context"

// Extractor turns photo bytes into a raw face vector.
// Implementations return ErrNoFaceDetected, ErrMultipleFacesAmbiguous or a ModelError.
type Extractor interface {
	Extract(ctx context.Context, photo []byte) (Extraction, error)
}

// HealthChecker verifies extraction backend availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Extraction carries a face vector and the model version through the decorator chain.
type Extraction struct {
	Vector       []float32
	ModelVersion string
	Confidence   float64
	Cached       bool
}
