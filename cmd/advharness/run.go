package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adversarial-harness/internal/config"
	"github.com/danielpatrickdp/adversarial-harness/internal/harness"
	"github.com/danielpatrickdp/adversarial-harness/internal/store"
)

type runFlags struct {
	mode        string
	dataset     string
	workDir     string
	samples     int
	seed        int64
	listen      string
	launcher    string
	command     string
	args        []string
	image       string
	noLaunch    bool
	containerID string
	db          string
	noStore     bool
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an attack submission and judge its output",
		Long: `Run hosts the victim model, stages the samples, launches the attack and
polls its output directory until every sample has an adversarial, the
attack misses a deadline or the attack process exits. The result set is
then scored. Any failed check exits non-zero.

With --no-launch the attack is expected to be started elsewhere; pass
--container-id to let the monitor notice when it exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarness(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.mode, "mode", "", "Attack mode (untargeted|targeted)")
	fl.StringVar(&f.dataset, "dataset", "", "Dataset dir with .npy samples and labels.yml")
	fl.StringVar(&f.workDir, "work-dir", "", "Directory for the staged input and attack output")
	fl.IntVar(&f.samples, "samples", 0, "Number of synthetic samples when no dataset is given")
	fl.Int64Var(&f.seed, "seed", 0, "Seed for synthetic samples")
	fl.StringVar(&f.listen, "listen", "", "Victim model listen address")
	fl.StringVar(&f.launcher, "launcher", "", "Attack launcher (command|docker|none)")
	fl.StringVar(&f.command, "command", "", "Attack command for the command launcher")
	fl.StringArrayVar(&f.args, "arg", nil, "Attack command argument (repeatable)")
	fl.StringVar(&f.image, "image", "", "Attack image for the docker launcher")
	fl.BoolVar(&f.noLaunch, "no-launch", false, "Do not launch the attack; supervise an external one")
	fl.StringVar(&f.containerID, "container-id", "", "Container to probe for liveness with --no-launch")
	fl.StringVar(&f.db, "db", "", "Run history database")
	fl.BoolVar(&f.noStore, "no-store", false, "Do not record the run")
	return cmd
}

// apply overrides cfg with every flag set on the command line.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("mode") {
		cfg.Mode = f.mode
	}
	if changed("dataset") {
		cfg.Paths.DatasetDir = f.dataset
	}
	if changed("work-dir") {
		cfg.Paths.WorkDir = f.workDir
	}
	if changed("samples") {
		cfg.Samples.Count = f.samples
	}
	if changed("seed") {
		cfg.Samples.Seed = f.seed
	}
	if changed("listen") {
		cfg.Victim.ListenAddr = f.listen
	}
	if changed("launcher") {
		cfg.Attack.Launcher = f.launcher
	}
	if changed("command") {
		cfg.Attack.Command = f.command
		if !changed("launcher") {
			cfg.Attack.Launcher = config.LauncherCommand
		}
	}
	if changed("arg") {
		cfg.Attack.Args = f.args
	}
	if changed("image") {
		cfg.Attack.Image = f.image
	}
	if changed("container-id") {
		cfg.Attack.ContainerID = f.containerID
	}
	if f.noLaunch {
		cfg.Attack.Launcher = config.LauncherNone
	}
	if changed("db") {
		cfg.Store.Path = f.db
	}
}

func runHarness(cmd *cobra.Command, f *runFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := []harness.Option{
		harness.WithLogger(slog.Default()),
		harness.WithOutput(cmd.OutOrStdout()),
	}
	if !f.noStore && cfg.Store.Path != "" {
		st, err := store.NewStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, harness.WithStore(st))
	}

	_, err = harness.New(cfg, opts...).Run(cmd.Context())
	return err
}
