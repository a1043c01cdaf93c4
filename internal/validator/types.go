package validator

import "github.com/danielpatrickdp/adversarial-harness/internal/imageio"

// #region validator-config
// Config holds the scoring thresholds.
type Config struct {
	MinCoverage          float64 `yaml:"min_coverage"`          // fraction of samples that must have an artifact
	QueriesPerSample     int64   `yaml:"queries_per_sample"`    // query budget is samples * this, exclusive
	AdversarialThreshold float64 `yaml:"adversarial_threshold"` // scaled distance above which a sample counts
}

// DefaultConfig returns the competition thresholds.
func DefaultConfig() Config {
	return Config{
		MinCoverage:          0.5,
		QueriesPerSample:     1000,
		AdversarialThreshold: 50,
	}
}

// #endregion validator-config

// #region artifact
// Artifact is what was found on disk for one sample. Err is set when the
// file existed but could not be read as a valid image.
type Artifact struct {
	Image imageio.Image
	Err   error
}

// #endregion artifact

// #region distance-record
// Source says where a record's distance came from.
type Source string

const (
	SourceArtifact Source = "artifact"
	SourceMissing  Source = "missing"
	SourceInvalid  Source = "invalid"
)

// DistanceRecord is the per-sample score.
type DistanceRecord struct {
	Sample      string
	Label       int
	Raw         float64
	Scaled      float64
	Adversarial bool
	Source      Source
}

// #endregion distance-record

// #region verdict
// FailureKind classifies a failed verdict.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureLoad        FailureKind = "load"
	FailureCoverage    FailureKind = "coverage"
	FailureQueryBudget FailureKind = "query_budget"
	FailureDegenerate  FailureKind = "degenerate"
)

// Verdict is the terminal judgement of a run.
type Verdict struct {
	Passed  bool
	Failure FailureKind
	Reason  string
}

// Metric captures a single check with its value.
type Metric struct {
	Name  string
	Value float64
	Pass  bool
}

// Report is the full output of validation. Records is empty when the run
// failed before distances were computed.
type Report struct {
	Verdict          Verdict
	Records          []DistanceRecord
	Metrics          []Metric
	Median           float64
	AdversarialCount int
	MissingCount     int
	InvalidCount     int
	CallCount        int64
	QueryBudget      int64
}

// #endregion verdict
