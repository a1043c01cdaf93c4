package victim

import (
	"fmt"

	"github.com/danielpatrickdp/adversarial-harness/internal/imageio"
)

// #region classifier
// Classifier is the black-box capability an attack is allowed to query.
// Implementations need not validate image shape; the network wrapper does.
type Classifier interface {
	Predict(im imageio.Image) int
	BatchPredict(ims []imageio.Image) []int
	NumClasses() int
}
// #endregion classifier

// #region mode
// Mode selects the labeling rule of the reference model.
type Mode string

const (
	ModeUntargeted Mode = "untargeted"
	ModeTargeted   Mode = "targeted"
)

// ParseMode accepts "untargeted" or "targeted".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeUntargeted, ModeTargeted:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeUntargeted, ModeTargeted)
}

// Targeted reports whether m is the targeted mode.
func (m Mode) Targeted() bool {
	return m == ModeTargeted
}
// #endregion mode

// #region constants
const (
	// FeatureLength is how many flattened elements take part in the
	// nearest-neighbour search.
	FeatureLength = 1000

	// NeighbourThreshold is the raw pixel-unit distance under which a query
	// counts as "near" a reference sample.
	NeighbourThreshold = 50.0

	// LabelOffset shifts a reference label to produce a misclassification.
	LabelOffset = 30
)
// #endregion constants
