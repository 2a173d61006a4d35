package facematch

import (
	"context"
	"errors"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// Extractor turns photo bytes into a face vector.
// Return ErrNoFaceDetected or ErrMultipleFacesAmbiguous for photos that must be
// rejected; any other error is treated as a backend failure and retried once.
type Extractor interface {
	Extract(ctx context.Context, photo []byte) (Face, error)
}

// Face is the vector of the primary face in a photo. The vector need not be normalized.
type Face struct {
	Vector     []float32
	Confidence float64
}

const customProvider = "custom"

// extractorAdapter wraps a public Extractor to satisfy domain.Extractor.
type extractorAdapter struct {
	inner Extractor
}

func (a *extractorAdapter) Extract(ctx context.Context, photo []byte) (domain.Extraction, error) {
	f, err := a.inner.Extract(ctx, photo)
	if err != nil {
		return domain.Extraction{}, classify(err)
	}
	return domain.Extraction{Vector: f.Vector, Confidence: f.Confidence}, nil
}

// HealthCheck delegates when the custom extractor exposes one.
func (a *extractorAdapter) HealthCheck(ctx context.Context) error {
	if hc, ok := a.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// classify keeps categorized errors and turns everything else into a model error.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrInput),
		errors.Is(err, domain.ErrModel),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, context.Canceled):
		return err
	}
	return domain.NewModelError(customProvider, err)
}
