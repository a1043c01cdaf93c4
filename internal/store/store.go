package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adversarial-harness/internal/validator"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	mode              TEXT NOT NULL,
	sample_count      INTEGER NOT NULL,
	started_at        TEXT NOT NULL,
	finished_at       TEXT,
	attack_id         TEXT,
	monitor_state     TEXT,
	elapsed_ms        INTEGER,
	call_count        INTEGER,
	passed            INTEGER,
	failure           TEXT,
	reason            TEXT,
	median            REAL,
	adversarial_count INTEGER,
	missing_count     INTEGER,
	invalid_count     INTEGER
);

CREATE TABLE IF NOT EXISTS distance_records (
	run_id      TEXT NOT NULL,
	sample      TEXT NOT NULL,
	label       INTEGER NOT NULL,
	raw         REAL NOT NULL,
	scaled      REAL NOT NULL,
	adversarial INTEGER NOT NULL,
	source      TEXT NOT NULL,
	PRIMARY KEY (run_id, sample),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS run_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	detail_json TEXT,
	created_at  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`
// #endregion schema

// #region store-struct
// Store persists run history in SQLite.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion constructor

// #region create-run
// CreateRun inserts a new run row. A run id is generated when rec has none.
func (s *Store) CreateRun(rec RunRecord) (RunRecord, error) {
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, mode, sample_count, started_at) VALUES (?, ?, ?, ?)`,
		rec.RunID, rec.Mode, rec.SampleCount, rec.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return rec, nil
}
// #endregion create-run

// #region finish-run
// FinishRun records the outcome of a run and its distance records in one
// transaction.
func (s *Store) FinishRun(rec RunRecord, records []validator.DistanceRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE runs SET finished_at = ?, attack_id = ?, monitor_state = ?, elapsed_ms = ?,
		 call_count = ?, passed = ?, failure = ?, reason = ?, median = ?,
		 adversarial_count = ?, missing_count = ?, invalid_count = ?
		 WHERE run_id = ?`,
		rec.FinishedAt.Format(time.RFC3339Nano),
		nullIfEmpty(rec.AttackID),
		nullIfEmpty(rec.MonitorState),
		rec.Elapsed.Milliseconds(),
		rec.CallCount,
		boolInt(rec.Passed),
		nullIfEmpty(rec.Failure),
		nullIfEmpty(rec.Reason),
		nullIfNaN(rec.Median),
		rec.AdversarialCount,
		rec.MissingCount,
		rec.InvalidCount,
		rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", rec.RunID)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO distance_records (run_id, sample, label, raw, scaled, adversarial, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare records: %w", err)
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err := stmt.Exec(rec.RunID, r.Sample, r.Label, r.Raw, r.Scaled, boolInt(r.Adversarial), string(r.Source)); err != nil {
			return fmt.Errorf("insert record %s: %w", r.Sample, err)
		}
	}

	return tx.Commit()
}
// #endregion finish-run

// #region get-run
const runColumns = `run_id, mode, sample_count, started_at, finished_at, attack_id, monitor_state,
	elapsed_ms, call_count, passed, failure, reason, median, adversarial_count, missing_count, invalid_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var startedStr string
	var finishedStr, attackID, state, failure, reason sql.NullString
	var elapsedMS, callCount, passed, advCount, missCount, invCount sql.NullInt64
	var median sql.NullFloat64

	err := row.Scan(&rec.RunID, &rec.Mode, &rec.SampleCount, &startedStr, &finishedStr, &attackID, &state,
		&elapsedMS, &callCount, &passed, &failure, &reason, &median, &advCount, &missCount, &invCount)
	if err != nil {
		return RunRecord{}, err
	}

	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if finishedStr.Valid {
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr.String)
	}
	rec.AttackID = attackID.String
	rec.MonitorState = state.String
	rec.Elapsed = time.Duration(elapsedMS.Int64) * time.Millisecond
	rec.CallCount = callCount.Int64
	rec.Passed = passed.Int64 == 1
	rec.Failure = failure.String
	rec.Reason = reason.String
	rec.Median = math.NaN()
	if median.Valid {
		rec.Median = median.Float64
	}
	rec.AdversarialCount = int(advCount.Int64)
	rec.MissingCount = int(missCount.Int64)
	rec.InvalidCount = int(invCount.Int64)
	return rec, nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(id string) (RunRecord, error) {
	rec, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id))
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return rec, nil
}

// ResolveRunID expands an unambiguous run id prefix to the full id.
func (s *Store) ResolveRunID(prefix string) (string, error) {
	rows, err := s.db.Query(`SELECT run_id FROM runs WHERE run_id LIKE ? || '%' LIMIT 2`, prefix)
	if err != nil {
		return "", fmt.Errorf("resolve run %s: %w", prefix, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("run %s not found", prefix)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("run id prefix %s is ambiguous", prefix)
}
// #endregion get-run

// #region list-runs
// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// ListRecords returns a run's distance records in sample order.
func (s *Store) ListRecords(runID string) ([]validator.DistanceRecord, error) {
	rows, err := s.db.Query(
		`SELECT sample, label, raw, scaled, adversarial, source
		 FROM distance_records WHERE run_id = ? ORDER BY CAST(sample AS INTEGER), sample`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []validator.DistanceRecord
	for rows.Next() {
		var r validator.DistanceRecord
		var adversarial int
		var source string
		if err := rows.Scan(&r.Sample, &r.Label, &r.Raw, &r.Scaled, &adversarial, &source); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Adversarial = adversarial == 1
		r.Source = validator.Source(source)
		records = append(records, r)
	}
	return records, rows.Err()
}
// #endregion list-runs

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNaN(f float64) any {
	if math.IsNaN(f) {
		return nil
	}
	return f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
// #endregion helpers
