package metric

import (
	"fmt"
	"math"
	"sort"

	"github.com/danielpatrickdp/adversarial-harness/internal/imageio"
)

// #region constants
const (
	// Scale converts a unit-interval distance into the 8-bit reporting range.
	Scale = 255.0

	// MidRange splits elements for the worst-case image: values below it
	// become 255, values at or above it become 0.
	MidRange = 128
)
// #endregion constants

// #region distance
// Distance normalizes both images to [0, 1] and returns the L2 norm of their
// difference over all elements.
func Distance(original, candidate imageio.Image) (float64, error) {
	if err := original.Validate(); err != nil {
		return 0, fmt.Errorf("original: %w", err)
	}
	if err := candidate.Validate(); err != nil {
		return 0, fmt.Errorf("candidate: %w", err)
	}

	var sum float64
	for i, a := range original.Pix {
		d := (float64(a) - float64(candidate.Pix[i])) / Scale
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
// #endregion distance

// #region worst-case
// WorstCase builds the maximally different image for original.
func WorstCase(original imageio.Image) imageio.Image {
	out := imageio.Image{Pix: make([]uint8, len(original.Pix))}
	for i, v := range original.Pix {
		if v < MidRange {
			out.Pix[i] = 255
		}
	}
	return out
}

// WorstCaseDistance is the penalty distance assigned when no usable
// adversarial exists for original.
func WorstCaseDistance(original imageio.Image) (float64, error) {
	return Distance(original, WorstCase(original))
}
// #endregion worst-case

// #region median
// Median returns the median of values, or NaN when values is empty.
// The input slice is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
// #endregion median
