package store

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/adversarial-harness/internal/validator"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := tempDB(t)

	rec, err := s.CreateRun(RunRecord{Mode: "untargeted", SampleCount: 100})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if rec.RunID == "" {
		t.Fatal("expected generated run id")
	}
	if rec.StartedAt.IsZero() {
		t.Fatal("expected started_at to be filled")
	}

	got, err := s.GetRun(rec.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Mode != "untargeted" || got.SampleCount != 100 {
		t.Fatalf("unexpected run %+v", got)
	}
	if got.Finished() {
		t.Fatal("new run must not be finished")
	}
	if !math.IsNaN(got.Median) {
		t.Fatalf("expected NaN median before finish, got %f", got.Median)
	}
}

func TestFinishRunStoresOutcomeAndRecords(t *testing.T) {
	s := tempDB(t)
	rec, err := s.CreateRun(RunRecord{Mode: "targeted", SampleCount: 3})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	rec.AttackID = "pid:42"
	rec.MonitorState = "completed"
	rec.Elapsed = 1500 * time.Millisecond
	rec.CallCount = 2400
	rec.Passed = true
	rec.Median = 0.25
	rec.AdversarialCount = 2
	rec.MissingCount = 1
	records := []validator.DistanceRecord{
		{Sample: "10.npy", Label: 3, Raw: 0.5, Scaled: 127.5, Adversarial: true, Source: validator.SourceArtifact},
		{Sample: "2.npy", Label: 7, Raw: 0.1, Scaled: 25.5, Source: validator.SourceArtifact},
		{Sample: "1.npy", Label: 1, Raw: 0.9, Scaled: 229.5, Adversarial: true, Source: validator.SourceMissing},
	}
	if err := s.FinishRun(rec, records); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := s.GetRun(rec.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !got.Finished() || !got.Passed {
		t.Fatalf("expected finished passing run, got %+v", got)
	}
	if got.Elapsed != 1500*time.Millisecond {
		t.Fatalf("expected elapsed 1.5s, got %v", got.Elapsed)
	}
	if got.Median != 0.25 || got.CallCount != 2400 || got.AttackID != "pid:42" {
		t.Fatalf("unexpected outcome %+v", got)
	}

	stored, err := s.ListRecords(rec.RunID)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 records, got %d", len(stored))
	}
	order := []string{"1.npy", "2.npy", "10.npy"}
	for i, r := range stored {
		if r.Sample != order[i] {
			t.Fatalf("record %d: expected %s, got %s", i, order[i], r.Sample)
		}
	}
	if stored[0].Source != validator.SourceMissing || !stored[0].Adversarial {
		t.Fatalf("unexpected record %+v", stored[0])
	}
}

func TestFinishRunKeepsNaNMedian(t *testing.T) {
	s := tempDB(t)
	rec, _ := s.CreateRun(RunRecord{Mode: "untargeted", SampleCount: 1})
	rec.Failure = "degenerate"
	rec.Reason = "attack failed on more than half the samples"
	rec.Median = math.NaN()
	if err := s.FinishRun(rec, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := s.GetRun(rec.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !math.IsNaN(got.Median) {
		t.Fatalf("expected NaN median, got %f", got.Median)
	}
	if got.Passed || got.Failure != "degenerate" {
		t.Fatalf("unexpected outcome %+v", got)
	}
}

func TestFinishRunUnknown(t *testing.T) {
	s := tempDB(t)
	err := s.FinishRun(RunRecord{RunID: "nope"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestFinishRunRejectsDuplicateRecords(t *testing.T) {
	s := tempDB(t)
	rec, _ := s.CreateRun(RunRecord{Mode: "untargeted", SampleCount: 1})
	dup := []validator.DistanceRecord{
		{Sample: "0.npy", Source: validator.SourceArtifact},
		{Sample: "0.npy", Source: validator.SourceArtifact},
	}
	if err := s.FinishRun(rec, dup); err == nil {
		t.Fatal("expected duplicate record error")
	}

	// The failed transaction must not leave a partial outcome behind.
	got, err := s.GetRun(rec.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Finished() {
		t.Fatal("rolled back run must not be finished")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := tempDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 4 {
		rec, err := s.CreateRun(RunRecord{Mode: "untargeted", SampleCount: i + 1, StartedAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		ids = append(ids, rec.RunID)
	}

	runs, err := s.ListRuns(3)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].RunID != ids[3] || runs[2].RunID != ids[1] {
		t.Fatalf("expected newest first, got %s..%s", runs[0].RunID, runs[2].RunID)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := tempDB(t)
	if _, err := s.GetRun("absent"); err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestResolveRunID(t *testing.T) {
	s := tempDB(t)
	a, _ := s.CreateRun(RunRecord{RunID: "abc-111", Mode: "untargeted", SampleCount: 1})
	s.CreateRun(RunRecord{RunID: "abd-222", Mode: "untargeted", SampleCount: 1})

	id, err := s.ResolveRunID("abc")
	if err != nil {
		t.Fatalf("ResolveRunID: %v", err)
	}
	if id != a.RunID {
		t.Fatalf("expected %s, got %s", a.RunID, id)
	}
	if _, err := s.ResolveRunID("ab"); err == nil {
		t.Fatal("expected ambiguity error")
	}
	if _, err := s.ResolveRunID("zzz"); err == nil {
		t.Fatal("expected not found error")
	}
}
