package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
	"github.com/zoff-tech/go-stageflow/pkg/stageflow"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store's schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, opts, func(sys *stageflow.System) error {
				if err := sys.Store.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", sys.Config.Database.Type)
				return nil
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <entity-id>",
		Short: "Print an entity's durable state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, opts, func(sys *stageflow.System) error {
				report, err := sys.Orchestrator.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			})
		},
	}
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <entity-id>",
		Short: "Request cancellation of an entity's running stage",
		Long: `Request cancellation of an entity's running stage. The running worker
observes the flag at its next checkpoint and moves the entity to cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, opts, func(sys *stageflow.System) error {
				if err := sys.Orchestrator.RequestCancel(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
				return nil
			})
		},
	}
}

// NewUnlockCommand creates the unlock command.
func NewUnlockCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <entity-id> <stage>",
		Short: "Drop a stage lease regardless of its holder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, opts, func(sys *stageflow.System) error {
				released, err := sys.Locks.ForceRelease(cmd.Context(), args[0], fsm.State(args[1]))
				if err != nil {
					return err
				}
				if !released {
					fmt.Fprintf(cmd.OutOrStdout(), "no lease held on %s/%s\n", args[0], args[1])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the orphan recovery sweep once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, opts, func(sys *stageflow.System) error {
				n, err := sys.Recovery.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d leases\n", n)
				return nil
			})
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete processed outbox entries and expired idempotency records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, opts, func(sys *stageflow.System) error {
				return sys.Recovery.Purge(cmd.Context())
			})
		},
	}
}
