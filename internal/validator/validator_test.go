package validator

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/adversarial-harness/internal/dataset"
	"github.com/danielpatrickdp/adversarial-harness/internal/imageio"
	"github.com/danielpatrickdp/adversarial-harness/internal/metric"
)

// perturbed returns a copy of im with its first pixel shifted by delta
// (clamped), giving a raw distance of |delta|/255.
func perturbed(im imageio.Image, delta int) imageio.Image {
	out := im.Clone()
	v := int(out.Pix[0]) + delta
	if v > 255 || v < 0 {
		v = int(out.Pix[0]) - delta
	}
	out.Pix[0] = uint8(v)
	return out
}

// artifactsFor builds n well-formed artifacts, the first `strong` of which
// are perturbed past the adversarial threshold.
func artifactsFor(samples []dataset.Sample, n, strong int) map[string]Artifact {
	out := make(map[string]Artifact, n)
	for i, s := range samples[:n] {
		im := s.Image.Clone()
		if i < strong {
			im = perturbed(s.Image, 60+i%20)
		}
		out[s.Name] = Artifact{Image: im}
	}
	return out
}

func newValidator() *Validator {
	return New(DefaultConfig(), nil)
}

func TestScenarioAAllAdversarialPasses(t *testing.T) {
	samples := dataset.Synthesize(100, 1)
	report := newValidator().Validate(samples, artifactsFor(samples, 100, 100), 500)

	if !report.Verdict.Passed {
		t.Fatalf("expected pass, got: %s", report.Verdict.Reason)
	}
	if report.AdversarialCount != 100 {
		t.Fatalf("expected 100 adversarial samples, got %d", report.AdversarialCount)
	}
	if len(report.Records) != 100 {
		t.Fatalf("expected 100 records, got %d", len(report.Records))
	}

	raws := make([]float64, 0, 100)
	for _, r := range report.Records {
		if r.Source != SourceArtifact {
			t.Fatalf("%s: expected artifact source, got %s", r.Sample, r.Source)
		}
		if r.Scaled != r.Raw*255 {
			t.Fatalf("%s: scaled %f is not raw*255", r.Sample, r.Scaled)
		}
		raws = append(raws, r.Raw)
	}
	if want := metric.Median(raws); report.Median != want {
		t.Fatalf("expected median %f over all samples, got %f", want, report.Median)
	}
}

func TestScenarioBInsufficientCoverage(t *testing.T) {
	samples := dataset.Synthesize(100, 2)
	report := newValidator().Validate(samples, artifactsFor(samples, 40, 40), 500)

	if report.Verdict.Passed {
		t.Fatal("expected failure")
	}
	if report.Verdict.Failure != FailureCoverage {
		t.Fatalf("expected coverage failure, got %q", report.Verdict.Failure)
	}
	if !strings.Contains(report.Verdict.Reason, "insufficient coverage") {
		t.Fatalf("unexpected reason %q", report.Verdict.Reason)
	}
	if len(report.Records) != 0 {
		t.Fatal("distances must not be computed after a coverage failure")
	}
}

func TestCoverageBoundary(t *testing.T) {
	samples := dataset.Synthesize(100, 2)
	report := newValidator().Validate(samples, artifactsFor(samples, 50, 50), 0)
	if report.Verdict.Failure == FailureCoverage {
		t.Fatal("exactly half the samples must satisfy coverage")
	}
	report = newValidator().Validate(samples, artifactsFor(samples, 49, 49), 0)
	if report.Verdict.Failure != FailureCoverage {
		t.Fatalf("expected coverage failure at 49/100, got %q", report.Verdict.Failure)
	}
}

func TestScenarioCQueryBudgetExceeded(t *testing.T) {
	samples := dataset.Synthesize(100, 3)
	arts := artifactsFor(samples, 100, 100)

	for _, calls := range []int64{100_000, 150_000} {
		report := newValidator().Validate(samples, arts, calls)
		if report.Verdict.Failure != FailureQueryBudget {
			t.Fatalf("calls=%d: expected query budget failure, got %q", calls, report.Verdict.Failure)
		}
		if !strings.Contains(report.Verdict.Reason, "query budget exceeded") {
			t.Fatalf("unexpected reason %q", report.Verdict.Reason)
		}
	}

	report := newValidator().Validate(samples, arts, 99_999)
	if !report.Verdict.Passed {
		t.Fatalf("expected pass just under the budget, got: %s", report.Verdict.Reason)
	}
}

func TestScenarioDMedianOverAdversarialOnly(t *testing.T) {
	samples := dataset.Synthesize(100, 4)
	report := newValidator().Validate(samples, artifactsFor(samples, 100, 2), 500)

	if !report.Verdict.Passed {
		t.Fatalf("expected pass with 2 adversarial samples, got: %s", report.Verdict.Reason)
	}
	if report.AdversarialCount != 2 {
		t.Fatalf("expected 2 adversarial samples, got %d", report.AdversarialCount)
	}
	want := (60.0/255 + 61.0/255) / 2
	if math.Abs(report.Median-want) > 1e-12 {
		t.Fatalf("expected median %f, got %f", want, report.Median)
	}
}

func TestScenarioDNoAdversarialIsFatal(t *testing.T) {
	samples := dataset.Synthesize(100, 5)
	report := newValidator().Validate(samples, artifactsFor(samples, 100, 0), 500)

	if report.Verdict.Failure != FailureDegenerate {
		t.Fatalf("expected degenerate failure, got %q", report.Verdict.Failure)
	}
	if !strings.Contains(report.Verdict.Reason, "more than half") {
		t.Fatalf("unexpected reason %q", report.Verdict.Reason)
	}
	if !math.IsNaN(report.Median) {
		t.Fatalf("expected NaN median, got %f", report.Median)
	}
	if len(report.Records) != 100 {
		t.Fatalf("expected records to be kept for diagnostics, got %d", len(report.Records))
	}
}

func TestMissingAndInvalidUseWorstCase(t *testing.T) {
	samples := dataset.Synthesize(4, 6)
	arts := artifactsFor(samples, 3, 0)
	arts[samples[1].Name] = Artifact{Err: errors.New("bad dtype")}
	arts[samples[2].Name] = Artifact{Image: imageio.Image{Pix: make([]uint8, 7)}}

	report := newValidator().Validate(samples, arts, 0)

	wantSources := []Source{SourceArtifact, SourceInvalid, SourceInvalid, SourceMissing}
	for i, r := range report.Records {
		if r.Source != wantSources[i] {
			t.Fatalf("record %d: expected %s, got %s", i, wantSources[i], r.Source)
		}
		if r.Source == SourceArtifact {
			continue
		}
		want, _ := metric.WorstCaseDistance(samples[i].Image)
		if r.Raw != want {
			t.Fatalf("record %d: expected worst case %f, got %f", i, want, r.Raw)
		}
		if !r.Adversarial {
			t.Fatalf("record %d: worst case must exceed the threshold", i)
		}
	}
	if report.InvalidCount != 2 || report.MissingCount != 1 {
		t.Fatalf("expected 2 invalid and 1 missing, got %d and %d", report.InvalidCount, report.MissingCount)
	}
}

func TestMalformedSampleIsFatal(t *testing.T) {
	samples := dataset.Synthesize(2, 7)
	samples[1].Image = imageio.Image{Pix: make([]uint8, 3)}
	report := newValidator().Validate(samples, artifactsFor(samples[:1], 1, 1), 0)
	if report.Verdict.Failure != FailureLoad {
		t.Fatalf("expected load failure, got %q", report.Verdict.Failure)
	}
}

func TestValidateIdempotent(t *testing.T) {
	samples := dataset.Synthesize(20, 8)
	arts := artifactsFor(samples, 15, 9)
	v := newValidator()

	first := v.Validate(samples, arts, 1234)
	second := v.Validate(samples, arts, 1234)

	if first.Verdict != second.Verdict {
		t.Fatalf("verdicts differ: %+v vs %+v", first.Verdict, second.Verdict)
	}
	if first.Median != second.Median || len(first.Records) != len(second.Records) {
		t.Fatal("reports differ between identical runs")
	}
	for i := range first.Records {
		if first.Records[i] != second.Records[i] {
			t.Fatalf("record %d differs", i)
		}
	}
}

func TestMetricsRecorded(t *testing.T) {
	samples := dataset.Synthesize(10, 9)
	report := newValidator().Validate(samples, artifactsFor(samples, 10, 10), 10)
	names := make([]string, len(report.Metrics))
	for i, m := range report.Metrics {
		names[i] = m.Name
	}
	want := "coverage,query_count,adversarial_count,median_distance"
	if strings.Join(names, ",") != want {
		t.Fatalf("expected metrics %s, got %v", want, names)
	}
}

func TestLoadArtifacts(t *testing.T) {
	dir := t.TempDir()
	samples := dataset.Synthesize(3, 10)
	if err := imageio.WriteFile(filepath.Join(dir, samples[0].Name), samples[0].Image); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, samples[1].Name), []byte("not npy"), 0o644); err != nil {
		t.Fatal(err)
	}

	arts, err := LoadArtifacts(dir, samples)
	if err != nil {
		t.Fatalf("LoadArtifacts: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(arts))
	}
	if arts[samples[0].Name].Err != nil {
		t.Fatalf("expected valid artifact, got %v", arts[samples[0].Name].Err)
	}
	if !errors.Is(arts[samples[1].Name].Err, imageio.ErrInvalidImage) {
		t.Fatalf("expected invalid artifact error, got %v", arts[samples[1].Name].Err)
	}
	if _, ok := arts[samples[2].Name]; ok {
		t.Fatal("missing artifact must not be in the map")
	}
}

func TestLoadArtifactsMissingDir(t *testing.T) {
	arts, err := LoadArtifacts(filepath.Join(t.TempDir(), "absent"), dataset.Synthesize(1, 1))
	if err != nil || len(arts) != 0 {
		t.Fatalf("expected empty map, got %v / %v", arts, err)
	}
}
