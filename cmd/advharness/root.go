package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adversarial-harness/internal/config"
)

// #region flags
// GlobalFlags holds flags shared by every subcommand.
type GlobalFlags struct {
	ConfigFile string
	LogLevel   string
	LogFormat  string
}

var globalFlags = &GlobalFlags{}

// RegisterGlobalFlags registers persistent flags on the root command.
func RegisterGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&globalFlags.ConfigFile, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&globalFlags.LogFormat, "log-format", "text", "Log format (text|json)")
}
// #endregion flags

// #region root
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "advharness",
		Short: "Conformance harness for adversarial attack submissions",
		Long: `advharness hosts a query-counting victim model, launches an attack
submission against it, supervises the attack's output directory and
judges the adversarial examples it produces.`,
		PersistentPreRunE: setupLogging,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	RegisterGlobalFlags(root)
	root.AddCommand(newRunCmd())
	root.AddCommand(newServeModelCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newFixturesCmd())
	return root
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return newRootCmd().ExecuteContext(ctx)
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd.ErrOrStderr(), globalFlags.LogLevel, globalFlags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// loadConfig reads the --config file with environment overrides applied.
func loadConfig() (config.Config, error) {
	return config.Load(globalFlags.ConfigFile)
}
// #endregion root
