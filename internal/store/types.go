package store

import "time"

// #region run-record
// RunRecord is one harness run. Median is NaN when no sample was adversarial.
type RunRecord struct {
	RunID            string
	Mode             string
	SampleCount      int
	StartedAt        time.Time
	FinishedAt       time.Time
	AttackID         string
	MonitorState     string
	Elapsed          time.Duration
	CallCount        int64
	Passed           bool
	Failure          string
	Reason           string
	Median           float64
	AdversarialCount int
	MissingCount     int
	InvalidCount     int
}

// Finished reports whether the run has a recorded outcome.
func (r RunRecord) Finished() bool {
	return !r.FinishedAt.IsZero()
}
// #endregion run-record
