package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-stageflow/pkg/config"
	"github.com/zoff-tech/go-stageflow/pkg/stageflow"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	logger *slog.Logger
}

// Swapped in tests.
var (
	loadSettings = config.LoadFromFile
	openSystem   = func(ctx context.Context, opts *RootOptions) (*stageflow.System, error) {
		cfg, err := loadSettings(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		return stageflow.Open(ctx, cfg, stageflow.WithLogger(opts.logger))
	}
)

// NewRootCommand creates the root command for the stageflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "stageflow",
		Short: "Transactional stage orchestration",
		Long: `stageflow drives long-running, multi-stage jobs through a durable state
machine. Every transition commits the new state, its audit event and the
follow-up jobs in one transaction; the outbox processor publishes the jobs
and the recovery sweep re-enters work abandoned by crashed workers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.LogLevel, err)
			}
			opts.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", ".", "directory holding stageflow.yaml")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewUnlockCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

// withSystem opens the configured system for the duration of fn.
func withSystem(cmd *cobra.Command, opts *RootOptions, fn func(*stageflow.System) error) error {
	sys, err := openSystem(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Close(); err != nil {
			opts.logger.Warn("close", "error", err)
		}
	}()
	return fn(sys)
}
