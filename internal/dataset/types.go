package dataset

import "github.com/danielpatrickdp/adversarial-harness/internal/imageio"

// #region constants
const (
	// NumClasses bounds every label to [0, NumClasses).
	NumClasses = 200

	// LabelFile is the label index shared by the harness and the attack.
	LabelFile = "labels.yml"
)
// #endregion constants

// #region sample
// Sample is an original image with its ground-truth label. Name is the file
// name used for both the input image and the expected artifact.
type Sample struct {
	Name  string
	Image imageio.Image
	Label int
}
// #endregion sample

// Names returns the file names of samples in order.
func Names(samples []Sample) []string {
	names := make([]string, len(samples))
	for i, s := range samples {
		names[i] = s.Name
	}
	return names
}
