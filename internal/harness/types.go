package harness

import (
	"fmt"

	"github.com/danielpatrickdp/adversarial-harness/internal/monitor"
	"github.com/danielpatrickdp/adversarial-harness/internal/validator"
)

// #region failure-kind
// FailureKind classifies a fatal run outcome. Values shared with
// validator.FailureKind are spelled identically.
type FailureKind string

const (
	KindLoad           FailureKind = "load"
	KindTimeout        FailureKind = "timeout"
	KindTooSlow        FailureKind = "too_slow"
	KindCoverage       FailureKind = "coverage"
	KindQueryBudget    FailureKind = "query_budget"
	KindDegenerate     FailureKind = "degenerate"
	KindInfrastructure FailureKind = "infrastructure"
)

// FatalError ends a run with a non-zero exit.
type FatalError struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(kind FailureKind, err error) *FatalError {
	return &FatalError{Kind: kind, Reason: err.Error(), Err: err}
}
// #endregion failure-kind

// #region result
// Result is everything observed during a run. It is returned alongside a
// FatalError with whatever was gathered before the failure.
type Result struct {
	RunID    string
	Samples  int
	AttackID string
	Outcome  monitor.Outcome
	Report   validator.Report
	Judged   bool
}
// #endregion result
