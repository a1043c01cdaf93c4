package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// #region fakes
// fakeClock advances only when the monitor waits.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.t = c.t.Add(d)
	return nil
}

// rateSource produces one artifact every `every` of fake time.
type rateSource struct {
	clock *fakeClock
	start time.Time
	every time.Duration
	total int
}

func (s *rateSource) Present() ([]string, error) {
	n := 0
	if s.every > 0 {
		n = int(s.clock.now().Sub(s.start) / s.every)
	}
	n = min(n, s.total)
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%d.npy", i)
	}
	return names, nil
}

type fixedLiveness struct {
	alive bool
	err   error
	calls int
}

func (l *fixedLiveness) Alive(context.Context) (bool, error) {
	l.calls++
	return l.alive, l.err
}

func newRateMonitor(every time.Duration, total int, live Liveness, opts ...Option) (*Monitor, *fakeClock) {
	clock := newFakeClock()
	src := &rateSource{clock: clock, start: clock.now(), every: every, total: total}
	opts = append(opts, WithClock(clock.now, clock.wait))
	return New(DefaultConfig(), src, live, total, opts...), clock
}
// #endregion fakes

// #region evaluate-tests
func TestEvaluateTable(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name    string
		elapsed time.Duration
		count   int
		total   int
		want    State
	}{
		{"all present", 5 * time.Second, 10, 10, StateCompleted},
		{"none yet within grace", 20 * time.Second, 0, 10, StateRunning},
		{"none after grace", 21 * time.Second, 0, 10, StateTimedOut},
		{"slow but before throughput deadline", 21 * time.Second, 1, 10, StateRunning},
		{"slow after throughput deadline", 22 * time.Second, 2, 10, StateTooSlow},
		{"exactly at per-sample ceiling", 30 * time.Second, 3, 10, StateRunning},
		{"fast enough after throughput deadline", 30 * time.Second, 5, 10, StateRunning},
		{"empty sample set", time.Second, 0, 0, StateCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(cfg, tt.elapsed, tt.count, tt.total); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStatePredicates(t *testing.T) {
	if StateRunning.Terminal() {
		t.Fatal("running must not be terminal")
	}
	for _, s := range []State{StateCompleted, StateTimedOut, StateProcessDied, StateTooSlow} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	if !StateTimedOut.Fatal() || !StateTooSlow.Fatal() {
		t.Fatal("deadline states must be fatal")
	}
	if StateCompleted.Fatal() || StateProcessDied.Fatal() {
		t.Fatal("completed and process_died must not be fatal")
	}
}
// #endregion evaluate-tests

// #region run-tests
func TestRunCompletesAtExpectedTime(t *testing.T) {
	// one artifact every 2s, 8 samples: done at ~16s
	m, _ := newRateMonitor(2*time.Second, 8, &fixedLiveness{alive: true})
	out, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("expected completed, got %s", out.State)
	}
	if out.Elapsed != 16*time.Second {
		t.Fatalf("expected completion at 16s, got %s", out.Elapsed)
	}
	if len(out.Present) != 8 {
		t.Fatalf("expected 8 artifacts, got %d", len(out.Present))
	}
}

func TestRunTimesOutWithNoOutput(t *testing.T) {
	m, _ := newRateMonitor(0, 5, &fixedLiveness{alive: true})
	out, err := m.Run(context.Background())

	var de *DeadlineError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeadlineError, got %v", err)
	}
	if de.State != StateTimedOut || out.State != StateTimedOut {
		t.Fatalf("expected timed_out, got %s / %s", de.State, out.State)
	}
	if out.Elapsed != 21*time.Second {
		t.Fatalf("expected timeout on first tick past 20s, got %s", out.Elapsed)
	}
}

func TestRunTooSlowBelowRate(t *testing.T) {
	// one artifact every 15s is under 1/10 per second
	m, _ := newRateMonitor(15*time.Second, 100, &fixedLiveness{alive: true})
	out, err := m.Run(context.Background())

	var de *DeadlineError
	if !errors.As(err, &de) || de.State != StateTooSlow {
		t.Fatalf("expected too_slow DeadlineError, got %v", err)
	}
	if out.Elapsed != 22*time.Second {
		t.Fatalf("expected too_slow on first tick past 21s, got %s", out.Elapsed)
	}
	if de.Count != 1 {
		t.Fatalf("expected 1 artifact at failure, got %d", de.Count)
	}
}

func TestRunSustainedRateSurvivesThroughputDeadline(t *testing.T) {
	// one artifact every 5s keeps the average at 5s per sample
	m, _ := newRateMonitor(5*time.Second, 10, &fixedLiveness{alive: true})
	out, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State != StateCompleted || out.Elapsed != 50*time.Second {
		t.Fatalf("expected completion at 50s, got %s at %s", out.State, out.Elapsed)
	}
}

func TestRunProcessDiedIsNotFatal(t *testing.T) {
	live := &fixedLiveness{alive: false}
	m, _ := newRateMonitor(time.Second, 10, live)
	out, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("process death must not be an error: %v", err)
	}
	if out.State != StateProcessDied {
		t.Fatalf("expected process_died, got %s", out.State)
	}
	if out.Ticks != 1 || len(out.Present) != 1 {
		t.Fatalf("expected to stop on first tick with 1 artifact, got tick %d with %d", out.Ticks, len(out.Present))
	}
}

func TestRunLivenessErrorKeepsPolling(t *testing.T) {
	live := &fixedLiveness{alive: false, err: errors.New("docker unavailable")}
	m, _ := newRateMonitor(time.Second, 3, live)
	out, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("expected completed, got %s", out.State)
	}
	if live.calls != 2 {
		t.Fatalf("expected 2 liveness probes before completion, got %d", live.calls)
	}
}

func TestRunWithoutLiveness(t *testing.T) {
	m, _ := newRateMonitor(time.Second, 4, nil)
	out, err := m.Run(context.Background())
	if err != nil || out.State != StateCompleted {
		t.Fatalf("expected completed, got %s / %v", out.State, err)
	}
}

func TestRunReportsProgress(t *testing.T) {
	var reports []Progress
	m, _ := newRateMonitor(2*time.Second, 3, nil, WithObserver(func(p Progress) {
		reports = append(reports, p)
	}))
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 6 {
		t.Fatalf("expected 6 progress reports, got %d", len(reports))
	}
	sum := 0
	for i, p := range reports {
		if p.Tick != i+1 || p.Total != 3 {
			t.Fatalf("report %d: unexpected %+v", i, p)
		}
		sum += p.Delta
	}
	if sum != 3 {
		t.Fatalf("expected deltas to sum to 3, got %d", sum)
	}
}

func TestRunContextCancelled(t *testing.T) {
	m, _ := newRateMonitor(0, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := m.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.State != StateRunning {
		t.Fatalf("expected running, got %s", out.State)
	}
}

func TestRunRealClockShortDeadlines(t *testing.T) {
	dir := t.TempDir()
	names := []string{"0.npy", "1.npy"}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := Config{
		PollInterval:       5 * time.Millisecond,
		GraceDeadline:      time.Second,
		ThroughputDeadline: time.Second,
		MaxTimePerSample:   time.Second,
	}
	out, err := New(cfg, NewDirSource(dir, names), nil, len(names)).Run(context.Background())
	if err != nil || out.State != StateCompleted {
		t.Fatalf("expected completed, got %s / %v", out.State, err)
	}
}
// #endregion run-tests

// #region dir-source-tests
func TestDirSourceCountsExpectedFilesOnly(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"0.npy", "1.npy", "notes.txt", ".npy-tmp123"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "2.npy"), 0o755); err != nil {
		t.Fatal(err)
	}

	src := NewDirSource(dir, []string{"0.npy", "1.npy", "2.npy", "3.npy"})
	present, err := src.Present()
	if err != nil {
		t.Fatalf("Present: %v", err)
	}
	if len(present) != 2 || present[0] != "0.npy" || present[1] != "1.npy" {
		t.Fatalf("expected [0.npy 1.npy], got %v", present)
	}
}

func TestDirSourceMissingDir(t *testing.T) {
	src := NewDirSource(filepath.Join(t.TempDir(), "absent"), []string{"0.npy"})
	present, err := src.Present()
	if err != nil || len(present) != 0 {
		t.Fatalf("expected empty result, got %v / %v", present, err)
	}
}

func TestDeadlineErrorMessages(t *testing.T) {
	timeout := &DeadlineError{State: StateTimedOut, Elapsed: 21 * time.Second, Total: 10}
	slow := &DeadlineError{State: StateTooSlow, Elapsed: 22 * time.Second, Count: 2, Total: 10}
	if timeout.Error() == slow.Error() {
		t.Fatal("expected distinct messages")
	}
}
// #endregion dir-source-tests
