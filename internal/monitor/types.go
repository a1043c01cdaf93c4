package monitor

import (
	"context"
	"fmt"
	"time"
)

// #region state
// State is the monitor's position in Running -> {Completed, TimedOut,
// ProcessDied, TooSlow}.
type State string

const (
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateTimedOut    State = "timed_out"
	StateProcessDied State = "process_died"
	StateTooSlow     State = "too_slow"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != StateRunning
}

// Fatal reports whether the state aborts the run without validation.
func (s State) Fatal() bool {
	return s == StateTimedOut || s == StateTooSlow
}
// #endregion state

// #region config
// Config holds the polling cadence and deadline policy. All values are
// wall-clock durations.
type Config struct {
	PollInterval       time.Duration `yaml:"poll_interval"`       // time between ticks
	GraceDeadline      time.Duration `yaml:"grace_deadline"`      // fail if nothing produced by then
	ThroughputDeadline time.Duration `yaml:"throughput_deadline"` // start enforcing MaxTimePerSample after this
	MaxTimePerSample   time.Duration `yaml:"max_time_per_sample"` // ceiling on average time per artifact
}

// DefaultConfig returns the competition defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       1 * time.Second,
		GraceDeadline:      20 * time.Second,
		ThroughputDeadline: 21 * time.Second,
		MaxTimePerSample:   10 * time.Second,
	}
}

// Validate rejects non-positive durations.
func (c Config) Validate() error {
	checks := []struct {
		name string
		d    time.Duration
	}{
		{"poll_interval", c.PollInterval},
		{"grace_deadline", c.GraceDeadline},
		{"throughput_deadline", c.ThroughputDeadline},
		{"max_time_per_sample", c.MaxTimePerSample},
	}
	for _, chk := range checks {
		if chk.d <= 0 {
			return fmt.Errorf("monitor %s must be positive, got %s", chk.name, chk.d)
		}
	}
	return nil
}
// #endregion config

// #region progress
// Progress is reported once per tick.
type Progress struct {
	Tick    int
	Elapsed time.Duration
	Count   int
	Delta   int
	Total   int
}

// Observer receives progress reports. It must not block.
type Observer func(Progress)
// #endregion progress

// #region collaborators
// Liveness reports whether the supervised attack process is still active.
type Liveness interface {
	Alive(ctx context.Context) (bool, error)
}

// ArtifactSource lists the artifacts currently present.
type ArtifactSource interface {
	Present() ([]string, error)
}
// #endregion collaborators

// #region outcome
// Outcome is the monitor's terminal observation.
type Outcome struct {
	State   State
	Present []string
	Elapsed time.Duration
	Ticks   int
}

// DeadlineError is returned for the fatal TimedOut and TooSlow states.
type DeadlineError struct {
	State   State
	Elapsed time.Duration
	Count   int
	Total   int
}

func (e *DeadlineError) Error() string {
	switch e.State {
	case StateTimedOut:
		return fmt.Sprintf("attack timed out: no adversarials produced after %s", e.Elapsed)
	case StateTooSlow:
		return fmt.Sprintf("attack too slow: %d/%d adversarials after %s (%s per sample)",
			e.Count, e.Total, e.Elapsed, (e.Elapsed / time.Duration(max(e.Count, 1))).Round(time.Millisecond))
	}
	return fmt.Sprintf("monitor stopped in state %s after %s", e.State, e.Elapsed)
}
// #endregion outcome
