package domain

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the matching core wraps exactly one of them.
var (
	// ErrInput signals a bad request payload: unsupported image, no face, ambiguous faces.
	ErrInput = errors.New("input error")
	// ErrModel signals an extraction backend failure. Retried once before surfacing.
	ErrModel = errors.New("model error")
	// ErrIndex signals index corruption or a query incompatible with the index.
	ErrIndex = errors.New("index error")
	// ErrConflict signals a lost race or a duplicate write.
	ErrConflict = errors.New("conflict")
)

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrTimeout signals that an extraction or search exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrNoFaceDetected signals that the photo contains no detectable face.
	ErrNoFaceDetected = fmt.Errorf("%w: no face detected", ErrInput)
	// ErrMultipleFacesAmbiguous signals several faces without a clear primary subject.
	ErrMultipleFacesAmbiguous = fmt.Errorf("%w: multiple faces without a dominant subject", ErrInput)
	// ErrUnsupportedImage signals an empty, oversized or non-image payload.
	ErrUnsupportedImage = fmt.Errorf("%w: unsupported image", ErrInput)
	// ErrInvalidReport signals a missing report id or an unknown report kind.
	ErrInvalidReport = fmt.Errorf("%w: invalid report", ErrInput)
	// ErrInvalidEmbedding signals an empty or zero-length embedding.
	ErrInvalidEmbedding = fmt.Errorf("%w: invalid embedding", ErrInput)

	// ErrDuplicatePhotoID signals an insert for a photo_id that is already stored.
	ErrDuplicatePhotoID = fmt.Errorf("%w: duplicate photo id", ErrConflict)
	// ErrReportAlreadyResolved signals that a report already has an active verified match.
	ErrReportAlreadyResolved = fmt.Errorf("%w: report already resolved", ErrConflict)
	// ErrInvalidTransition signals a proposal state change the state machine forbids.
	ErrInvalidTransition = fmt.Errorf("%w: invalid proposal transition", ErrConflict)
)

// ModelError wraps an extraction backend failure with the provider that produced it.
type ModelError struct {
	Provider string
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrModel.Error(), e.Provider, e.Err)
}

// Unwrap exposes both the category and the underlying cause.
func (e *ModelError) Unwrap() []error { return []error{ErrModel, e.Err} }

// NewModelError creates a ModelError for the given provider.
func NewModelError(provider string, err error) error {
	return &ModelError{Provider: provider, Err: err}
}

// IsRetryable reports whether err is worth a second extraction attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrModel)
}
