package logging

import "time"

// #region run-event
// RunEvent is a single row in the run_events table.
type RunEvent struct {
	RunID      string
	EventType  string
	DetailJSON string
	CreatedAt  time.Time
}

// Event types written during a run.
const (
	EventVictimReady    = "victim_ready"
	EventAttackLaunched = "attack_launched"
	EventProgress       = "progress"
	EventMonitorOutcome = "monitor_outcome"
	EventVerdict        = "verdict"
)
// #endregion run-event
