package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// #region evaluate
// Evaluate applies the deadline policy to one observation. It never returns
// StateProcessDied; liveness is checked separately by Run.
func Evaluate(cfg Config, elapsed time.Duration, count, total int) State {
	if count >= total {
		return StateCompleted
	}
	if count == 0 && elapsed > cfg.GraceDeadline {
		return StateTimedOut
	}
	if count > 0 && elapsed > cfg.ThroughputDeadline && elapsed/time.Duration(count) > cfg.MaxTimePerSample {
		return StateTooSlow
	}
	return StateRunning
}
// #endregion evaluate

// #region monitor
// Monitor polls for artifacts until the attack completes, dies, or misses a
// deadline.
type Monitor struct {
	cfg      Config
	source   ArtifactSource
	liveness Liveness
	total    int
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) error
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithObserver registers a progress observer.
func WithObserver(o Observer) Option {
	return func(m *Monitor) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time, wait func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Monitor) {
		m.now = now
		m.wait = wait
	}
}

// New builds a monitor expecting total artifacts from source. liveness may be
// nil when the process is not observable.
func New(cfg Config, source ArtifactSource, liveness Liveness, total int, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		source:   source,
		liveness: liveness,
		total:    total,
		now:      time.Now,
		wait:     sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "monitor")
	return m
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run blocks until a terminal state. TimedOut and TooSlow come back with a
// *DeadlineError; Completed and ProcessDied return a nil error so the partial
// result set can still be judged.
func (m *Monitor) Run(ctx context.Context) (Outcome, error) {
	start := m.now()
	prev := 0

	for tick := 1; ; tick++ {
		if err := m.wait(ctx, m.cfg.PollInterval); err != nil {
			return Outcome{State: StateRunning, Elapsed: m.now().Sub(start), Ticks: tick - 1}, err
		}
		elapsed := m.now().Sub(start)

		present, err := m.source.Present()
		if err != nil {
			return Outcome{State: StateRunning, Elapsed: elapsed, Ticks: tick}, fmt.Errorf("scan artifacts: %w", err)
		}
		count := len(present)
		m.report(Progress{Tick: tick, Elapsed: elapsed, Count: count, Delta: count - prev, Total: m.total})
		prev = count

		out := Outcome{State: Evaluate(m.cfg, elapsed, count, m.total), Present: present, Elapsed: elapsed, Ticks: tick}
		switch {
		case out.State == StateCompleted:
			m.logger.Info("all adversarials produced", "count", count, "elapsed", elapsed)
			return out, nil
		case out.State.Fatal():
			m.logger.Error("deadline missed", "state", out.State, "count", count, "total", m.total, "elapsed", elapsed)
			return out, &DeadlineError{State: out.State, Elapsed: elapsed, Count: count, Total: m.total}
		}

		if m.liveness == nil {
			continue
		}
		alive, err := m.liveness.Alive(ctx)
		if err != nil {
			m.logger.Warn("liveness probe failed", "error", err)
			continue
		}
		if !alive {
			out.State = StateProcessDied
			m.logger.Warn("attack process exited before completion", "count", count, "total", m.total)
			return out, nil
		}
	}
}

func (m *Monitor) report(p Progress) {
	if p.Delta != 0 {
		m.logger.Info("progress", "count", p.Count, "total", p.Total, "delta", p.Delta, "elapsed", p.Elapsed)
	} else {
		m.logger.Debug("progress", "count", p.Count, "total", p.Total, "elapsed", p.Elapsed)
	}
	if m.observer != nil {
		m.observer(p)
	}
}
// #endregion monitor

// #region dir-source
// DirSource counts the expected artifact files present in a directory.
type DirSource struct {
	dir      string
	expected map[string]struct{}
}

// NewDirSource watches dir for files named in names.
func NewDirSource(dir string, names []string) *DirSource {
	expected := make(map[string]struct{}, len(names))
	for _, n := range names {
		expected[n] = struct{}{}
	}
	return &DirSource{dir: dir, expected: expected}
}

// Present lists expected files currently in the directory, sorted by name.
// A missing directory counts as empty.
func (d *DirSource) Present() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var present []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if _, ok := d.expected[e.Name()]; ok {
			present = append(present, e.Name())
		}
	}
	return present, nil
}
// #endregion dir-source
