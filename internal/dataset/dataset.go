package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adversarial-harness/internal/imageio"
)

// #region label-index
// ReadLabels parses the labels.yml index in dir.
func ReadLabels(dir string) (map[string]int, error) {
	data, err := os.ReadFile(filepath.Join(dir, LabelFile))
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	labels := make(map[string]int)
	if err := yaml.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	return labels, nil
}

// WriteLabels writes the label index for samples into dir.
func WriteLabels(dir string, samples []Sample) error {
	labels := make(map[string]int, len(samples))
	for _, s := range samples {
		labels[s.Name] = s.Label
	}
	data, err := yaml.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	path := filepath.Join(dir, LabelFile)
	if err := os.WriteFile(path, data, imageio.FileMode); err != nil {
		return fmt.Errorf("write labels: %w", err)
	}
	// umask may have narrowed the mode
	if err := os.Chmod(path, imageio.FileMode); err != nil {
		return fmt.Errorf("chmod labels: %w", err)
	}
	return nil
}
// #endregion label-index

// #region load
// Load reads every sample listed in dir's label index. Any image or label
// violating the sample contract is a fatal error.
func Load(dir string) ([]Sample, error) {
	labels, err := ReadLabels(dir)
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, errors.New("label index is empty")
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sortNames(names)

	samples := make([]Sample, 0, len(names))
	for _, name := range names {
		label := labels[name]
		if label < 0 || label >= NumClasses {
			return nil, fmt.Errorf("sample %s: label %d outside [0, %d)", name, label, NumClasses)
		}
		im, err := imageio.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("load sample: %w", err)
		}
		samples = append(samples, Sample{Name: name, Image: im, Label: label})
	}
	return samples, nil
}

// sortNames orders numbered files numerically ("2.npy" before "10.npy") and
// falls back to lexical order for anything else.
func sortNames(names []string) {
	index := func(name string) (int, bool) {
		n, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
		return n, err == nil
	}
	sort.Slice(names, func(i, j int) bool {
		a, aok := index(names[i])
		b, bok := index(names[j])
		if aok && bok && a != b {
			return a < b
		}
		if aok != bok {
			return aok
		}
		return names[i] < names[j]
	})
}
// #endregion load

// #region stage
// Stage writes samples and their label index into dir, creating it if needed.
func Stage(dir string, samples []Sample) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		return fmt.Errorf("chmod input dir: %w", err)
	}
	for _, s := range samples {
		if err := imageio.WriteFile(filepath.Join(dir, s.Name), s.Image); err != nil {
			return fmt.Errorf("stage %s: %w", s.Name, err)
		}
	}
	return WriteLabels(dir, samples)
}
// #endregion stage

// #region synthesize
// Synthesize returns n deterministic samples named 0.npy .. n-1.npy.
// Images are smooth random gradients so nearest-neighbour lookups are stable.
func Synthesize(n int, seed int64) []Sample {
	r := rand.New(rand.NewSource(seed))
	samples := make([]Sample, n)
	for i := range n {
		im := imageio.New()
		base := [imageio.Channels]int{r.Intn(256), r.Intn(256), r.Intn(256)}
		step := r.Intn(4) + 1
		for y := range imageio.Height {
			for x := range imageio.Width {
				for c := range imageio.Channels {
					v := base[c] + step*(x+y) + r.Intn(8)
					im.Pix[(y*imageio.Width+x)*imageio.Channels+c] = uint8(v % 256)
				}
			}
		}
		samples[i] = Sample{
			Name:  fmt.Sprintf("%d.npy", i),
			Image: im,
			Label: r.Intn(NumClasses),
		}
	}
	return samples
}
// #endregion synthesize
