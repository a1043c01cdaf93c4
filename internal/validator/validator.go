package validator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/adversarial-harness/internal/dataset"
	"github.com/danielpatrickdp/adversarial-harness/internal/imageio"
	"github.com/danielpatrickdp/adversarial-harness/internal/metric"
)

// #region validator
// Validator judges a completed result set.
type Validator struct {
	config Config
	logger *slog.Logger
}

// New creates a validator with the given thresholds.
func New(config Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{config: config, logger: logger.With("component", "validator")}
}

// Validate scores artifacts against samples. Checks run in a fixed order:
// coverage, query budget, distances, median. It is pure apart from logging,
// so identical inputs always give identical reports.
func (v *Validator) Validate(samples []dataset.Sample, artifacts map[string]Artifact, callCount int64) Report {
	report := Report{
		Median:      math.NaN(),
		CallCount:   callCount,
		QueryBudget: int64(len(samples)) * v.config.QueriesPerSample,
	}

	// 1. Coverage
	collected := 0
	for _, s := range samples {
		if _, ok := artifacts[s.Name]; ok {
			collected++
		}
	}
	required := v.config.MinCoverage * float64(len(samples))
	coveragePass := float64(collected) >= required
	report.Metrics = append(report.Metrics, Metric{Name: "coverage", Value: float64(collected), Pass: coveragePass})
	if !coveragePass {
		report.Verdict = fail(FailureCoverage, "insufficient coverage: %d of %d adversarials produced, need at least %.0f",
			collected, len(samples), math.Ceil(required))
		return report
	}

	// 2. Query budget
	budgetPass := callCount < report.QueryBudget
	report.Metrics = append(report.Metrics, Metric{Name: "query_count", Value: float64(callCount), Pass: budgetPass})
	if !budgetPass {
		report.Verdict = fail(FailureQueryBudget, "query budget exceeded: %d calls, limit %d", callCount, report.QueryBudget)
		return report
	}
	v.logger.Info("query count within budget", "calls", callCount, "budget", report.QueryBudget)

	// 3-4. Distances and classification
	report.Records = make([]DistanceRecord, 0, len(samples))
	var adversarialRaw []float64
	for _, s := range samples {
		rec, err := v.score(s, artifacts)
		if err != nil {
			report.Records = nil
			report.Verdict = fail(FailureLoad, "sample %s violates the image contract: %v", s.Name, err)
			return report
		}
		switch rec.Source {
		case SourceMissing:
			report.MissingCount++
		case SourceInvalid:
			report.InvalidCount++
		}
		if rec.Adversarial {
			adversarialRaw = append(adversarialRaw, rec.Raw)
		}
		report.Records = append(report.Records, rec)
	}
	report.AdversarialCount = len(adversarialRaw)

	// 5. Median over adversarial samples only
	report.Median = metric.Median(adversarialRaw)
	medianPass := !math.IsNaN(report.Median)
	report.Metrics = append(report.Metrics,
		Metric{Name: "adversarial_count", Value: float64(report.AdversarialCount), Pass: medianPass},
		Metric{Name: "median_distance", Value: report.Median, Pass: medianPass},
	)
	if !medianPass {
		report.Verdict = fail(FailureDegenerate, "attack failed on more than half the samples")
		return report
	}

	// 6. Pass
	report.Verdict = Verdict{
		Passed: true,
		Reason: fmt.Sprintf("%d adversarials, median distance %.6f", report.AdversarialCount, report.Median),
	}
	return report
}

// score resolves one sample's DistanceRecord. Only a broken original is an
// error; broken artifacts fall back to the worst case.
func (v *Validator) score(s dataset.Sample, artifacts map[string]Artifact) (DistanceRecord, error) {
	rec := DistanceRecord{Sample: s.Name, Label: s.Label, Source: SourceMissing}

	if a, ok := artifacts[s.Name]; ok {
		rec.Source = SourceInvalid
		if a.Err == nil {
			raw, err := metric.Distance(s.Image, a.Image)
			if err == nil {
				rec.Raw, rec.Source = raw, SourceArtifact
			} else if s.Image.Validate() != nil {
				return rec, err
			} else {
				a.Err = err
			}
		}
		if a.Err != nil {
			v.logger.Warn("invalid adversarial, using worst case", "sample", s.Name, "error", a.Err)
		}
	}

	if rec.Source != SourceArtifact {
		raw, err := metric.WorstCaseDistance(s.Image)
		if err != nil {
			return rec, err
		}
		rec.Raw = raw
	}

	rec.Scaled = rec.Raw * metric.Scale
	rec.Adversarial = rec.Scaled > v.config.AdversarialThreshold
	return rec, nil
}

func fail(kind FailureKind, format string, args ...any) Verdict {
	return Verdict{Failure: kind, Reason: fmt.Sprintf(format, args...)}
}
// #endregion validator

// #region load-artifacts
// LoadArtifacts reads the artifact for each sample from dir. Absent files are
// left out of the map; files that fail to decode are kept with Err set.
func LoadArtifacts(dir string, samples []dataset.Sample) (map[string]Artifact, error) {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Artifact{}, nil
		}
		return nil, fmt.Errorf("stat output dir: %w", err)
	}

	artifacts := make(map[string]Artifact, len(samples))
	for _, s := range samples {
		im, err := imageio.ReadFile(filepath.Join(dir, s.Name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		artifacts[s.Name] = Artifact{Image: im, Err: err}
	}
	return artifacts, nil
}
// #endregion load-artifacts
