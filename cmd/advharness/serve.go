package main

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adversarial-harness/internal/dataset"
	"github.com/danielpatrickdp/adversarial-harness/internal/victim"
)

func newServeModelCmd() *cobra.Command {
	var listen, datasetDir, mode string
	var samples int
	var seed int64

	cmd := &cobra.Command{
		Use:   "serve-model",
		Short: "Serve the victim model alone until interrupted",
		Long: `Serve-model hosts the query-counting victim model over gRPC without
launching or judging an attack. Useful for developing an attack
locally. The final query count is logged on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			changed := cmd.Flags().Changed
			if changed("listen") {
				cfg.Victim.ListenAddr = listen
			}
			if changed("dataset") {
				cfg.Paths.DatasetDir = datasetDir
			}
			if changed("mode") {
				cfg.Mode = mode
			}
			if changed("samples") {
				cfg.Samples.Count = samples
			}
			if changed("seed") {
				cfg.Samples.Seed = seed
			}

			m, err := victim.ParseMode(cfg.Mode)
			if err != nil {
				return err
			}
			var refs []dataset.Sample
			if cfg.Paths.DatasetDir != "" {
				if refs, err = dataset.Load(cfg.Paths.DatasetDir); err != nil {
					return err
				}
			} else {
				refs = dataset.Synthesize(cfg.Samples.Count, cfg.Samples.Seed)
			}

			model := victim.NewBudgetModel(victim.NewReferenceModel(refs, m))
			lis, err := net.Listen("tcp", cfg.Victim.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Victim.ListenAddr, err)
			}
			slog.Info("victim model loaded", "samples", len(refs), "mode", m)
			err = victim.NewServer(model, slog.Default()).Serve(cmd.Context(), lis)
			slog.Info("victim model stopped", "calls", model.CallCount())
			return err
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&listen, "listen", "", "Listen address")
	fl.StringVar(&datasetDir, "dataset", "", "Dataset dir used as the reference set")
	fl.StringVar(&mode, "mode", "", "Labeling mode (untargeted|targeted)")
	fl.IntVar(&samples, "samples", 0, "Number of synthetic reference samples")
	fl.Int64Var(&seed, "seed", 0, "Seed for synthetic samples")
	return cmd
}
