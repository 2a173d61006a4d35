package matching

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// DefaultMaxPhotoBytes is the largest accepted upload.
const DefaultMaxPhotoBytes = 5 << 20

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// validatePhoto checks size and sniffs the content type.
func validatePhoto(data []byte, maxBytes int) error {
	if len(data) == 0 {
		return fmt.Errorf("photo is empty: %w", domain.ErrUnsupportedImage)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return fmt.Errorf("photo is %d bytes, limit %d: %w", len(data), maxBytes, domain.ErrUnsupportedImage)
	}
	ct := http.DetectContentType(data)
	if _, ok := allowedTypes[ct]; !ok {
		return fmt.Errorf("content type %s: %w", ct, domain.ErrUnsupportedImage)
	}
	return nil
}

// DerivePhotoID builds the deterministic id of an upload: {report_id}_{sha256[:12]}.
// Re-delivering the same bytes for the same report yields the same id.
func DerivePhotoID(reportID string, data []byte) string {
	sum := sha256.Sum256(data)
	return reportID + "_" + hex.EncodeToString(sum[:])[:12]
}

// archiveRef is the storage reference of an archived upload: {report_id}/{photo_id}{ext}.
func archiveRef(reportID, photoID string, data []byte) string {
	return reportID + "/" + photoID + allowedTypes[http.DetectContentType(data)]
}
