package victim

import (
	"math"
	"sync/atomic"

	"github.com/danielpatrickdp/adversarial-harness/internal/dataset"
	"github.com/danielpatrickdp/adversarial-harness/internal/imageio"
)

// #region reference-model
type reference struct {
	features []float64
	label    int
}

// ReferenceModel is the mock victim: a nearest-neighbour lookup against a
// fixed reference set whose output flips predictably near known samples.
type ReferenceModel struct {
	refs []reference
	mode Mode
}

// NewReferenceModel builds the mock victim over samples.
func NewReferenceModel(samples []dataset.Sample, mode Mode) *ReferenceModel {
	refs := make([]reference, len(samples))
	for i, s := range samples {
		refs[i] = reference{features: features(s.Image), label: s.Label}
	}
	return &ReferenceModel{refs: refs, mode: mode}
}

func features(im imageio.Image) []float64 {
	n := min(len(im.Pix), FeatureLength)
	f := make([]float64, n)
	for i := range n {
		f[i] = float64(im.Pix[i])
	}
	return f
}

// nearest returns the distance to and label of the closest reference.
// With no references the distance is +Inf and the label 0.
func (m *ReferenceModel) nearest(im imageio.Image) (float64, int) {
	q := features(im)
	best, label := math.Inf(1), 0
	for _, r := range m.refs {
		var sum float64
		for i := range min(len(q), len(r.features)) {
			d := q[i] - r.features[i]
			sum += d * d
		}
		if d := math.Sqrt(sum); d < best {
			best, label = d, r.label
		}
	}
	return best, label
}

// Label applies the mode-dependent labeling rule to a neighbour distance and
// the neighbour's true label.
func (m Mode) Label(distance float64, label int) int {
	near := distance < NeighbourThreshold
	if m.Targeted() {
		near = !near
	}
	if near {
		return label
	}
	return (label + LabelOffset) % dataset.NumClasses
}

// Predict returns the label for im.
func (m *ReferenceModel) Predict(im imageio.Image) int {
	d, label := m.nearest(im)
	return m.mode.Label(d, label)
}

// BatchPredict applies Predict to each image, preserving order.
func (m *ReferenceModel) BatchPredict(ims []imageio.Image) []int {
	labels := make([]int, len(ims))
	for i, im := range ims {
		labels[i] = m.Predict(im)
	}
	return labels
}

// NumClasses is constant for the mock.
func (m *ReferenceModel) NumClasses() int {
	return dataset.NumClasses
}
// #endregion reference-model

// #region budget-model
// BudgetModel counts every prediction made through it. The counter is safe
// for concurrent request handlers and only ever grows.
type BudgetModel struct {
	inner Classifier
	calls atomic.Int64
}

// NewBudgetModel wraps inner with a zeroed call counter.
func NewBudgetModel(inner Classifier) *BudgetModel {
	return &BudgetModel{inner: inner}
}

// Predict counts one call and delegates.
func (b *BudgetModel) Predict(im imageio.Image) int {
	b.calls.Add(1)
	return b.inner.Predict(im)
}

// BatchPredict counts one call per image and delegates.
func (b *BudgetModel) BatchPredict(ims []imageio.Image) []int {
	b.calls.Add(int64(len(ims)))
	return b.inner.BatchPredict(ims)
}

// NumClasses does not count against the budget.
func (b *BudgetModel) NumClasses() int {
	return b.inner.NumClasses()
}

// CallCount returns the number of predictions served so far.
func (b *BudgetModel) CallCount() int64 {
	return b.calls.Load()
}
// #endregion budget-model
