package facematch

import "github.com/kailas-cloud/facematch/internal/domain"

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrInput    = domain.ErrInput
	ErrModel    = domain.ErrModel
	ErrIndex    = domain.ErrIndex
	ErrConflict = domain.ErrConflict
	ErrNotFound = domain.ErrNotFound
	ErrTimeout  = domain.ErrTimeout

	ErrNoFaceDetected         = domain.ErrNoFaceDetected
	ErrMultipleFacesAmbiguous = domain.ErrMultipleFacesAmbiguous
	ErrUnsupportedImage       = domain.ErrUnsupportedImage
	ErrInvalidReport          = domain.ErrInvalidReport
	ErrDuplicatePhotoID       = domain.ErrDuplicatePhotoID
	ErrReportAlreadyResolved  = domain.ErrReportAlreadyResolved
	ErrInvalidTransition      = domain.ErrInvalidTransition
)
