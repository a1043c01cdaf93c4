package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adversarial-harness/internal/dataset"
)

func newFixturesCmd() *cobra.Command {
	var out string
	var count int
	var seed int64

	cmd := &cobra.Command{
		Use:   "fixtures",
		Short: "Write a deterministic synthetic dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			samples := dataset.Synthesize(count, seed)
			if err := dataset.Stage(out, samples); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d samples to %s\n", len(samples), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Output directory")
	cmd.Flags().IntVar(&count, "count", 100, "Number of samples")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	return cmd
}
