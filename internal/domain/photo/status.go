// Package photo holds the ingestion outcome reported back to the report service.
package photo

import (
	"errors"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// Status is the embedding status of an uploaded photo.
type Status string

// Embedding statuses.
const (
	StatusIndexed     Status = "indexed"
	StatusNoFace      Status = "no_face"
	StatusAmbiguous   Status = "ambiguous"
	StatusUnsupported Status = "unsupported_image"
	StatusModelError  Status = "model_error"
	StatusDuplicate   Status = "duplicate"
	StatusTimeout     Status = "timeout"
	StatusFailed      Status = "failed"
)

// StatusFromError maps an ingestion error to the status reported to the caller.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusIndexed
	case errors.Is(err, domain.ErrNoFaceDetected):
		return StatusNoFace
	case errors.Is(err, domain.ErrMultipleFacesAmbiguous):
		return StatusAmbiguous
	case errors.Is(err, domain.ErrDuplicatePhotoID):
		return StatusDuplicate
	case errors.Is(err, domain.ErrInput):
		return StatusUnsupported
	case errors.Is(err, domain.ErrModel):
		return StatusModelError
	case errors.Is(err, domain.ErrTimeout):
		return StatusTimeout
	}
	return StatusFailed
}
