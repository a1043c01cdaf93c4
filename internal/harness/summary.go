package harness

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// writeSummary prints the human-readable outcome of a run.
func writeSummary(w io.Writer, res Result, runErr error) {
	line := func(key, format string, args ...any) {
		fmt.Fprintf(w, "%-16s %s\n", key+":", fmt.Sprintf(format, args...))
	}

	if res.RunID != "" {
		line("run", "%s", res.RunID)
	}
	if res.AttackID != "" {
		line("attack", "%s", res.AttackID)
	}
	if res.Outcome.State != "" {
		line("monitor", "%s after %s (%d/%d artifacts)",
			res.Outcome.State, res.Outcome.Elapsed.Round(time.Millisecond), len(res.Outcome.Present), res.Samples)
	}
	if res.Judged {
		r := res.Report
		line("queries", "%d of %d allowed", r.CallCount, r.QueryBudget)
		if len(r.Records) > 0 {
			line("adversarial", "%d/%d (missing %d, invalid %d)",
				r.AdversarialCount, len(r.Records), r.MissingCount, r.InvalidCount)
		}
		if r.Verdict.Passed {
			line("median distance", "%.6f", r.Median)
		}
	}

	var fe *FatalError
	switch {
	case runErr == nil:
		line("verdict", "PASS")
	case errors.As(runErr, &fe):
		line("verdict", "FAIL (%s) %s", fe.Kind, fe.Reason)
	default:
		line("verdict", "FAIL %v", runErr)
	}
}
