package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adversarial-harness/internal/logging"
	"github.com/danielpatrickdp/adversarial-harness/internal/store"
)

// #region command
func newInspectCmd() *cobra.Command {
	var dbPath, runID string
	var last int
	var jsonOut, showEvents bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show recorded runs",
		Long: `Inspect lists recent runs from the run history database, or with --run
shows one run's per-sample distance records.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("db") {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dbPath = cfg.Store.Path
			}
			st, err := store.NewStore(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			w := cmd.OutOrStdout()
			if runID != "" {
				return runDetailMode(w, st, runID, jsonOut, showEvents)
			}
			return runListMode(w, st, last, jsonOut)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&dbPath, "db", "", "Run history database (default from config)")
	fl.IntVar(&last, "last", 20, "Show N most recent runs")
	fl.StringVar(&runID, "run", "", "Show a single run (id or unique prefix)")
	fl.BoolVar(&jsonOut, "json", false, "Output as JSON instead of a table")
	fl.BoolVar(&showEvents, "events", false, "Include the run's event log in detail mode")
	return cmd
}
// #endregion command

// #region list-mode
type listRow struct {
	RunID       string   `json:"run_id"`
	StartedAt   string   `json:"started_at"`
	Mode        string   `json:"mode"`
	Samples     int      `json:"samples"`
	State       string   `json:"monitor_state,omitempty"`
	Verdict     string   `json:"verdict"`
	Adversarial int      `json:"adversarial_count"`
	Median      *float64 `json:"median,omitempty"`
	Calls       int64    `json:"call_count"`
}

func toListRow(r store.RunRecord) listRow {
	row := listRow{
		RunID:       r.RunID,
		StartedAt:   r.StartedAt.Format("2006-01-02T15:04:05Z"),
		Mode:        r.Mode,
		Samples:     r.SampleCount,
		State:       r.MonitorState,
		Verdict:     verdictLabel(r),
		Adversarial: r.AdversarialCount,
		Calls:       r.CallCount,
	}
	if !math.IsNaN(r.Median) {
		m := r.Median
		row.Median = &m
	}
	return row
}

func runListMode(w io.Writer, st *store.Store, last int, jsonOut bool) error {
	runs, err := st.ListRuns(last)
	if err != nil {
		return err
	}
	rows := make([]listRow, len(runs))
	for i, r := range runs {
		rows[i] = toListRow(r)
	}
	if jsonOut {
		return printJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no runs found")
		return nil
	}

	fmt.Fprintf(w, "%-8s  %-20s  %-10s  %7s  %-12s  %-14s  %5s  %8s  %s\n",
		"Run", "Started", "Mode", "Samples", "State", "Verdict", "Adv", "Median", "Calls")
	fmt.Fprintf(w, "%-8s+-%-20s+-%-10s+-%7s+-%-12s+-%-14s+-%5s+-%8s+-%s\n",
		"--------", "--------------------", "----------", "-------", "------------", "--------------", "-----", "--------", "--------")
	for _, r := range rows {
		median := "—"
		if r.Median != nil {
			median = fmt.Sprintf("%.4f", *r.Median)
		}
		state := r.State
		if state == "" {
			state = "—"
		}
		fmt.Fprintf(w, "%-8s  %-20s  %-10s  %7d  %-12s  %-14s  %5d  %8s  %d\n",
			shortID(r.RunID), r.StartedAt, r.Mode, r.Samples, state, r.Verdict, r.Adversarial, median, r.Calls)
	}
	return nil
}
// #endregion list-mode

// #region detail-mode
type detailOutput struct {
	listRow
	FinishedAt string      `json:"finished_at,omitempty"`
	AttackID   string      `json:"attack_id,omitempty"`
	ElapsedMS  int64       `json:"elapsed_ms"`
	Reason     string      `json:"reason,omitempty"`
	Missing    int         `json:"missing_count"`
	Invalid    int         `json:"invalid_count"`
	Records    []recordRow `json:"records"`
	Events     []eventRow  `json:"events,omitempty"`
}

type recordRow struct {
	Sample      string  `json:"sample"`
	Label       int     `json:"label"`
	Raw         float64 `json:"raw"`
	Scaled      float64 `json:"scaled"`
	Adversarial bool    `json:"adversarial"`
	Source      string  `json:"source"`
}

type eventRow struct {
	Type      string          `json:"type"`
	CreatedAt string          `json:"created_at"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

func runDetailMode(w io.Writer, st *store.Store, prefix string, jsonOut, showEvents bool) error {
	id, err := st.ResolveRunID(prefix)
	if err != nil {
		return err
	}
	run, err := st.GetRun(id)
	if err != nil {
		return err
	}
	records, err := st.ListRecords(id)
	if err != nil {
		return err
	}

	out := detailOutput{
		listRow:   toListRow(run),
		AttackID:  run.AttackID,
		ElapsedMS: run.Elapsed.Milliseconds(),
		Reason:    run.Reason,
		Missing:   run.MissingCount,
		Invalid:   run.InvalidCount,
		Records:   make([]recordRow, len(records)),
	}
	if run.Finished() {
		out.FinishedAt = run.FinishedAt.Format("2006-01-02T15:04:05Z")
	}
	for i, r := range records {
		out.Records[i] = recordRow{
			Sample:      r.Sample,
			Label:       r.Label,
			Raw:         r.Raw,
			Scaled:      r.Scaled,
			Adversarial: r.Adversarial,
			Source:      string(r.Source),
		}
	}
	if showEvents {
		events, err := logging.ListEvents(st.DB(), id)
		if err != nil {
			return err
		}
		for _, ev := range events {
			row := eventRow{Type: ev.EventType, CreatedAt: ev.CreatedAt.Format("2006-01-02T15:04:05.000Z")}
			if ev.DetailJSON != "" {
				row.Detail = json.RawMessage(ev.DetailJSON)
			}
			out.Events = append(out.Events, row)
		}
	}

	if jsonOut {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Run:         %s\n", out.RunID)
	fmt.Fprintf(w, "Started:     %s\n", out.StartedAt)
	fmt.Fprintf(w, "Finished:    %s\n", out.FinishedAt)
	fmt.Fprintf(w, "Mode:        %s\n", out.Mode)
	fmt.Fprintf(w, "Attack:      %s\n", out.AttackID)
	fmt.Fprintf(w, "Monitor:     %s after %dms\n", out.State, out.ElapsedMS)
	fmt.Fprintf(w, "Calls:       %d\n", out.Calls)
	fmt.Fprintf(w, "Verdict:     %s\n", out.Verdict)
	if out.Reason != "" {
		fmt.Fprintf(w, "Reason:      %s\n", out.Reason)
	}
	if out.Median != nil {
		fmt.Fprintf(w, "Median:      %.6f\n", *out.Median)
	}
	fmt.Fprintf(w, "Adversarial: %d/%d (missing %d, invalid %d)\n", out.Adversarial, out.Samples, out.Missing, out.Invalid)

	if len(out.Records) > 0 {
		fmt.Fprintf(w, "\n%-10s  %5s  %8s  %8s  %-5s  %s\n", "Sample", "Label", "Raw", "Scaled", "Adv", "Source")
		for _, r := range out.Records {
			fmt.Fprintf(w, "%-10s  %5d  %8.4f  %8.2f  %-5v  %s\n", r.Sample, r.Label, r.Raw, r.Scaled, r.Adversarial, r.Source)
		}
	}
	if len(out.Events) > 0 {
		fmt.Fprintf(w, "\nEvents:\n")
		for _, ev := range out.Events {
			fmt.Fprintf(w, "  %s  %-16s %s\n", ev.CreatedAt, ev.Type, string(ev.Detail))
		}
	}
	return nil
}
// #endregion detail-mode

// #region output
func verdictLabel(r store.RunRecord) string {
	switch {
	case !r.Finished():
		return "unfinished"
	case r.Passed:
		return "pass"
	case r.Failure != "":
		return "fail:" + r.Failure
	}
	return "fail"
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
// #endregion output
