package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/treesync/internal/engine"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newResetCmd())
}

func newCleanupCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge old deletion records from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepare(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			retention := cfg.Sync.TombstoneRetention
			if cmd.Flags().Changed("older-than") {
				retention = olderThan
			}

			eng, err := engine.New(cfg)
			if err != nil {
				return err
			}
			if err := eng.Open(cmd.Context()); err != nil {
				return err
			}
			defer eng.Close()

			n, err := eng.CleanupTombstones(cmd.Context(), retention)
			if err != nil {
				return err
			}
			cutoff := humanize.Time(time.Now().Add(-retention))
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s tombstones from before %s\n", cyan.Render(humanize.Comma(n)), cutoff)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention, defaults to sync.tombstone_retention")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Set the ledger aside so the next sync compares both sides anew",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepare(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if err := engine.ResetLedger(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ledger reset in %s\n", green.Render(cfg.DataDir))
			return nil
		},
	}
}
