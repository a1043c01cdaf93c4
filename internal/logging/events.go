package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// #region log-event
// LogEvent writes an event to the run_events table.
func LogEvent(db *sql.DB, ev RunEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO run_events (run_id, event_type, detail_json, created_at) VALUES (?, ?, ?, ?)`,
		ev.RunID,
		ev.EventType,
		nullIfEmpty(ev.DetailJSON),
		ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}
// #endregion log-event

// #region list-events
// ListEvents returns a run's events in insertion order.
func ListEvents(db *sql.DB, runID string) ([]RunEvent, error) {
	rows, err := db.Query(
		`SELECT run_id, event_type, detail_json, created_at FROM run_events WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var ev RunEvent
		var detail sql.NullString
		var createdStr string
		if err := rows.Scan(&ev.RunID, &ev.EventType, &detail, &createdStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.DetailJSON = detail.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		events = append(events, ev)
	}
	return events, rows.Err()
}
// #endregion list-events

// #region recorder
// Recorder writes events for one run. Write failures are logged, not
// returned: the event log never decides a run's outcome.
type Recorder struct {
	db     *sql.DB
	runID  string
	logger *slog.Logger
}

// NewRecorder returns a Recorder for runID. A nil db yields a Recorder that
// only logs.
func NewRecorder(db *sql.DB, runID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, runID: runID, logger: logger.With("component", "events", "run_id", runID)}
}

// Record marshals detail to JSON and stores it under eventType.
func (r *Recorder) Record(eventType string, detail any) {
	var detailJSON string
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			r.logger.Warn("marshal event detail", "event", eventType, "error", err)
		} else {
			detailJSON = string(b)
		}
	}
	r.logger.Debug("run event", "event", eventType, "detail", detailJSON)
	if r.db == nil {
		return
	}
	if err := LogEvent(r.db, RunEvent{RunID: r.runID, EventType: eventType, DetailJSON: detailJSON}); err != nil {
		r.logger.Warn("record event", "event", eventType, "error", err)
	}
}
// #endregion recorder

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
