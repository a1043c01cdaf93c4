package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adversarial-harness/internal/config"
	"github.com/danielpatrickdp/adversarial-harness/internal/dataset"
	"github.com/danielpatrickdp/adversarial-harness/internal/logging"
	"github.com/danielpatrickdp/adversarial-harness/internal/monitor"
	"github.com/danielpatrickdp/adversarial-harness/internal/process"
	"github.com/danielpatrickdp/adversarial-harness/internal/store"
	"github.com/danielpatrickdp/adversarial-harness/internal/validator"
	"github.com/danielpatrickdp/adversarial-harness/internal/victim"
)

// #region harness
// Harness runs one attack submission end to end.
type Harness struct {
	cfg         config.Config
	launcher    process.Launcher
	launcherSet bool
	liveness    monitor.Liveness
	store       *store.Store
	logger      *slog.Logger
	out         io.Writer
	monitorOpts []monitor.Option
}

// Option configures a Harness.
type Option func(*Harness)

// WithLauncher replaces the launcher derived from the attack config. A nil
// launcher means the attack is started elsewhere.
func WithLauncher(l process.Launcher) Option {
	return func(h *Harness) {
		h.launcher = l
		h.launcherSet = true
	}
}

// WithLiveness sets the probe used when no launcher is configured.
func WithLiveness(l monitor.Liveness) Option {
	return func(h *Harness) { h.liveness = l }
}

// WithStore persists runs, records and events.
func WithStore(s *store.Store) Option {
	return func(h *Harness) { h.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithOutput sets where the run summary is printed.
func WithOutput(w io.Writer) Option {
	return func(h *Harness) { h.out = w }
}

// WithMonitorOptions passes options through to the result monitor.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(h *Harness) { h.monitorOpts = append(h.monitorOpts, opts...) }
}

// New builds a harness. Unless overridden, the launcher and liveness probe
// follow cfg.Attack.
func New(cfg config.Config, opts ...Option) *Harness {
	h := &Harness{cfg: cfg, logger: slog.Default(), out: os.Stdout}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.out == nil {
		h.out = io.Discard
	}
	if !h.launcherSet {
		h.launcher = launcherFor(cfg, h.logger)
	}
	if h.liveness == nil && cfg.Attack.ContainerID != "" {
		h.liveness = process.NewContainerHandle(cfg.Attack.ContainerID, nil)
	}
	return h
}

func launcherFor(cfg config.Config, logger *slog.Logger) process.Launcher {
	switch cfg.Attack.Launcher {
	case config.LauncherCommand:
		return &process.CommandLauncher{
			Command: cfg.Attack.Command,
			Args:    cfg.Attack.Args,
			LogDir:  cfg.Paths.LogDir,
			Logger:  logger,
		}
	case config.LauncherDocker:
		return &process.DockerLauncher{
			Image:   cfg.Attack.Image,
			Network: cfg.Attack.Network,
			Logger:  logger,
		}
	}
	return nil
}
// #endregion harness

// #region run
// Run loads samples, hosts the victim model, launches and supervises the
// attack, then judges its output. A failed check comes back as a
// *FatalError together with the partial Result.
func (h *Harness) Run(ctx context.Context) (Result, error) {
	mode, err := victim.ParseMode(h.cfg.Mode)
	if err != nil {
		return Result{}, fatal(KindInfrastructure, err)
	}
	samples, err := h.loadSamples()
	if err != nil {
		return Result{}, fatal(KindLoad, err)
	}

	res := Result{Samples: len(samples)}
	run := store.RunRecord{Mode: string(mode), SampleCount: len(samples)}
	var db *sql.DB
	if h.store != nil {
		if run, err = h.store.CreateRun(run); err != nil {
			return res, fatal(KindInfrastructure, fmt.Errorf("create run: %w", err))
		}
		db = h.store.DB()
	}
	res.RunID = run.RunID
	logger := h.logger
	if run.RunID != "" {
		logger = logger.With("run_id", run.RunID)
	}
	events := logging.NewRecorder(db, run.RunID, h.logger)
	hlog := logger.With("component", "harness")

	model := victim.NewBudgetModel(victim.NewReferenceModel(samples, mode))
	lis, err := net.Listen("tcp", h.cfg.Victim.ListenAddr)
	if err != nil {
		err = fatal(KindInfrastructure, fmt.Errorf("listen %s: %w", h.cfg.Victim.ListenAddr, err))
		h.finish(run, res, err)
		return res, err
	}
	srv := victim.NewServer(model, logger)

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		return srv.Serve(gctx, lis)
	})
	g.Go(func() error {
		defer stopServing()
		return h.supervise(gctx, &res, attempt{
			mode:    mode,
			samples: samples,
			model:   model,
			addr:    lis.Addr().String(),
			events:  events,
			logger:  logger,
			hlog:    hlog,
		})
	})

	err = g.Wait()
	var fe *FatalError
	if err != nil && !errors.As(err, &fe) && !errors.Is(err, context.Canceled) {
		err = fatal(KindInfrastructure, err)
	}
	h.finish(run, res, err)
	return res, err
}

func (h *Harness) loadSamples() ([]dataset.Sample, error) {
	if h.cfg.Paths.DatasetDir != "" {
		return dataset.Load(h.cfg.Paths.DatasetDir)
	}
	if h.cfg.Samples.Count <= 0 {
		return nil, errors.New("no dataset dir and no synthetic sample count")
	}
	return dataset.Synthesize(h.cfg.Samples.Count, h.cfg.Samples.Seed), nil
}
// #endregion run

// #region supervise
type attempt struct {
	mode    victim.Mode
	samples []dataset.Sample
	model   *victim.BudgetModel
	addr    string
	events  *logging.Recorder
	logger  *slog.Logger
	hlog    *slog.Logger
}

type progressEvent struct {
	Tick      int   `json:"tick"`
	ElapsedMS int64 `json:"elapsed_ms"`
	Count     int   `json:"count"`
	Delta     int   `json:"delta"`
	Total     int   `json:"total"`
}

type outcomeEvent struct {
	State     monitor.State `json:"state"`
	Count     int           `json:"count"`
	ElapsedMS int64         `json:"elapsed_ms"`
	Ticks     int           `json:"ticks"`
}

type verdictEvent struct {
	Passed           bool     `json:"passed"`
	Failure          string   `json:"failure,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	CallCount        int64    `json:"call_count"`
	AdversarialCount int      `json:"adversarial_count"`
	InvalidCount     int      `json:"invalid_count"`
	MissingCount     int      `json:"missing_count"`
	Median           *float64 `json:"median,omitempty"`
}

// supervise runs while the victim model is being served: readiness, staging,
// launch, monitoring and validation. res is filled in as each step completes.
func (h *Harness) supervise(ctx context.Context, res *Result, a attempt) error {
	client, err := victim.NewClient(a.addr)
	if err != nil {
		return fatal(KindInfrastructure, fmt.Errorf("dial victim model: %w", err))
	}
	defer client.Close()
	if err := client.WaitReady(ctx, h.cfg.Victim.ReadyRetries, h.cfg.Victim.ReadyInterval); err != nil {
		return fatal(KindInfrastructure, err)
	}
	a.events.Record(logging.EventVictimReady, map[string]string{"addr": a.addr})
	a.hlog.Info("victim model ready", "addr", a.addr)

	workDir, err := filepath.Abs(h.cfg.Paths.WorkDir)
	if err != nil {
		return fatal(KindInfrastructure, fmt.Errorf("resolve work dir: %w", err))
	}
	env := process.Env{
		ModelServer: a.addr,
		InputDir:    filepath.Join(workDir, "input"),
		OutputDir:   filepath.Join(workDir, "output"),
		Targeted:    a.mode.Targeted(),
	}
	if err := stage(env, a.samples); err != nil {
		return fatal(KindInfrastructure, err)
	}
	a.hlog.Info("samples staged", "count", len(a.samples), "input", env.InputDir, "output", env.OutputDir)

	liveness := h.liveness
	if h.launcher != nil {
		handle, err := h.launcher.Launch(ctx, env)
		if err != nil {
			return fatal(KindInfrastructure, fmt.Errorf("launch attack: %w", err))
		}
		res.AttackID = handle.ID()
		liveness = handle
	} else {
		a.hlog.Info("waiting for externally launched attack")
	}
	a.events.Record(logging.EventAttackLaunched, map[string]string{"id": res.AttackID})

	opts := []monitor.Option{
		monitor.WithLogger(a.logger),
		monitor.WithObserver(func(p monitor.Progress) {
			a.events.Record(logging.EventProgress, progressEvent{
				Tick:      p.Tick,
				ElapsedMS: p.Elapsed.Milliseconds(),
				Count:     p.Count,
				Delta:     p.Delta,
				Total:     p.Total,
			})
		}),
	}
	mon := monitor.New(h.cfg.Monitor, monitor.NewDirSource(env.OutputDir, dataset.Names(a.samples)),
		liveness, len(a.samples), append(opts, h.monitorOpts...)...)

	outcome, err := mon.Run(ctx)
	res.Outcome = outcome
	a.events.Record(logging.EventMonitorOutcome, outcomeEvent{
		State:     outcome.State,
		Count:     len(outcome.Present),
		ElapsedMS: outcome.Elapsed.Milliseconds(),
		Ticks:     outcome.Ticks,
	})
	if err != nil {
		var de *monitor.DeadlineError
		if errors.As(err, &de) {
			kind := KindTimeout
			if de.State == monitor.StateTooSlow {
				kind = KindTooSlow
			}
			return fatal(kind, err)
		}
		return fmt.Errorf("monitor attack: %w", err)
	}

	artifacts, err := validator.LoadArtifacts(env.OutputDir, a.samples)
	if err != nil {
		return fatal(KindInfrastructure, err)
	}
	report := validator.New(h.cfg.Validator, a.logger).Validate(a.samples, artifacts, a.model.CallCount())
	res.Report = report
	res.Judged = true
	a.events.Record(logging.EventVerdict, verdictOf(report))

	if !report.Verdict.Passed {
		return &FatalError{Kind: FailureKind(report.Verdict.Failure), Reason: report.Verdict.Reason}
	}
	return nil
}

func verdictOf(r validator.Report) verdictEvent {
	ev := verdictEvent{
		Passed:           r.Verdict.Passed,
		Failure:          string(r.Verdict.Failure),
		Reason:           r.Verdict.Reason,
		CallCount:        r.CallCount,
		AdversarialCount: r.AdversarialCount,
		InvalidCount:     r.InvalidCount,
		MissingCount:     r.MissingCount,
	}
	if r.Verdict.Passed {
		median := r.Median
		ev.Median = &median
	}
	return ev
}

// stage clears the run directories, creates an empty output dir and writes
// the samples with their label index into the input dir.
func stage(env process.Env, samples []dataset.Sample) error {
	for _, dir := range []string{env.OutputDir, env.InputDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(env.OutputDir, 0o777); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	// writable by attacks running as any user, regardless of umask
	if err := os.Chmod(env.OutputDir, 0o777); err != nil {
		return fmt.Errorf("chmod output dir: %w", err)
	}
	if err := dataset.Stage(env.InputDir, samples); err != nil {
		return fmt.Errorf("stage samples: %w", err)
	}
	return nil
}
// #endregion supervise

// #region finish
// finish persists the run outcome and prints the summary. Store failures are
// logged; they never change the verdict already reached.
func (h *Harness) finish(run store.RunRecord, res Result, runErr error) {
	writeSummary(h.out, res, runErr)
	if h.store == nil {
		return
	}

	run.AttackID = res.AttackID
	run.MonitorState = string(res.Outcome.State)
	run.Elapsed = res.Outcome.Elapsed
	run.CallCount = res.Report.CallCount
	run.Median = res.Report.Median
	run.AdversarialCount = res.Report.AdversarialCount
	run.MissingCount = res.Report.MissingCount
	run.InvalidCount = res.Report.InvalidCount
	run.Passed = runErr == nil && res.Judged && res.Report.Verdict.Passed
	if !res.Judged {
		run.Median = math.NaN()
	}
	var fe *FatalError
	switch {
	case errors.As(runErr, &fe):
		run.Failure, run.Reason = string(fe.Kind), fe.Reason
	case runErr != nil:
		run.Failure, run.Reason = "interrupted", runErr.Error()
	}

	if err := h.store.FinishRun(run, res.Report.Records); err != nil {
		h.logger.Error("persist run", "component", "harness", "run_id", run.RunID, "error", err)
	}
}
// #endregion finish
