// Package similarity chooses a comparator for a pair of images and
// computes the unit-interval scores the engine thresholds against.
package similarity

import (
	"math"

	"github.com/kozaktomas/imgmatch/internal/imaging"
)

// Algorithm is the comparator chosen for a pair of images.
type Algorithm int

const (
	// Unavailable means one side could not be decoded. The pair scores 0
	// and no comparator runs.
	Unavailable Algorithm = iota
	// Structural compares pixel-aligned images with SSIM.
	Structural
	// FeatureBased compares images of different geometry through keypoint
	// correspondences.
	FeatureBased
)

func (a Algorithm) String() string {
	switch a {
	case Unavailable:
		return "unavailable"
	case Structural:
		return "structural"
	case FeatureBased:
		return "feature"
	default:
		return "unknown"
	}
}

// Select picks the comparator for two decoded buffers. Equal shapes are
// compared structurally, anything else by features.
func Select(a, b *imaging.PixelBuffer) Algorithm {
	if a == nil || b == nil {
		return Unavailable
	}
	return SelectShapes(a.Shape(), b.Shape())
}

// SelectShapes applies the Select rule to shapes alone, for callers that
// hold cached fingerprints instead of pixels.
func SelectShapes(a, b imaging.Shape) Algorithm {
	if a.Height <= 0 || a.Width <= 0 || b.Height <= 0 || b.Width <= 0 {
		return Unavailable
	}
	if a == b {
		return Structural
	}
	return FeatureBased
}

// FeatureScore normalises a correspondence count by the smaller keypoint
// set. It is 0 when either set is empty.
func FeatureScore(correspondences, keypointsA, keypointsB int) float64 {
	denom := min(keypointsA, keypointsB)
	if denom <= 0 || correspondences <= 0 {
		return 0
	}
	return Clamp01(float64(correspondences) / float64(denom))
}

// Clamp01 limits v to [0, 1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
