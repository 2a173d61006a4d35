package face

import (
	"fmt"
	"sort"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// DefaultDominanceRatio is how much larger the primary face must be than the runner-up.
const DefaultDominanceRatio = 2.0

// Area is a face bounding box in image pixels.
type Area struct {
	X, Y, W, H int
}

// Size returns the box area in square pixels.
func (a Area) Size() int {
	if a.W <= 0 || a.H <= 0 {
		return 0
	}
	return a.W * a.H
}

// Detection is one face found by the extraction backend.
type Detection struct {
	Vector     []float32
	Area       Area
	Confidence float64
}

// SelectDominant picks the primary subject among detections.
// Zero detections fail with ErrNoFaceDetected. Several detections fail with
// ErrMultipleFacesAmbiguous unless the largest face is at least ratio times the next one.
func SelectDominant(dets []Detection, ratio float64) (Detection, error) {
	switch len(dets) {
	case 0:
		return Detection{}, domain.ErrNoFaceDetected
	case 1:
		return dets[0], nil
	}
	if ratio < 1 {
		ratio = DefaultDominanceRatio
	}

	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Area.Size() > sorted[j].Area.Size()
	})

	first, second := sorted[0].Area.Size(), sorted[1].Area.Size()
	if first == 0 || float64(first) < ratio*float64(second) {
		return Detection{}, fmt.Errorf("%d faces, largest %dpx vs %dpx: %w",
			len(dets), first, second, domain.ErrMultipleFacesAmbiguous)
	}
	return sorted[0], nil
}
