package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/engine"
	"github.com/openmined/treesync/internal/scheduler"
	"github.com/openmined/treesync/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

type syncOptions struct {
	once        bool
	fromScratch bool
}

func newSyncCmd() *cobra.Command {
	var opts syncOptions

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the sync directory with the remote",
		Long: `Synchronize the sync directory with the remote.

Without --once the command keeps watching both sides until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepare(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return runSync(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().BoolVar(&opts.once, "once", false, "Run a single session and exit")
	cmd.Flags().BoolVar(&opts.fromScratch, "from-scratch", false, "Forget the ledger and compare both sides anew")
	return cmd
}

func runSync(ctx context.Context, out io.Writer, cfg *config.Config, opts syncOptions) error {
	slog.Info("treesync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

	// a single session has no scheduler start to reset state, do it up front
	if opts.once && opts.fromScratch {
		if err := engine.ResetLedger(cfg); err != nil {
			return err
		}
	}

	eng, err := engine.New(cfg, engine.WithObserver(newConsoleObserver(out)))
	if err != nil {
		return err
	}
	if err := eng.Open(ctx); err != nil {
		return err
	}
	defer eng.Close()

	if opts.once {
		sum, err := eng.SyncOnce(ctx)
		if err != nil {
			return err
		}
		printSummary(out, sum)
		return nil
	}

	fmt.Fprintf(out, "Syncing %s (%s)\n", cyan.Render(cfg.SyncDir), cfg.Remote.Backend)
	defer slog.Info("Bye!")

	status := eng.Status()
	events := status.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		printConflicts(out, events)
	}()

	err = eng.Run(ctx, opts.fromScratch)
	status.Unsubscribe(events)
	<-done
	printStatus(out, status)
	return err
}

func printConflicts(out io.Writer, events <-chan scheduler.StatusEvent) {
	for ev := range events {
		if ev.Status.ConflictState == scheduler.ConflictStateConflicted {
			fmt.Fprintf(out, "%s %s\n", yellow.Render("CONFLICT"), ev.Path)
		}
	}
}

// printStatus lists the paths left in error and the conflict count.
func printStatus(out io.Writer, status *scheduler.Status) {
	all := status.All()
	paths := make([]string, 0, len(all))
	for p, st := range all {
		if st.SyncState == scheduler.SyncStateError {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)
	for _, p := range paths {
		fmt.Fprintf(out, "%s %s: %v\n", red.Render("ERROR"), p, all[p].Error)
	}
	if n := status.ConflictedCount(); n > 0 {
		fmt.Fprintf(out, "%s backup copies were kept for %d conflicting paths\n", yellow.Render("CONFLICT"), n)
	}
}

func printSummary(out io.Writer, sum scheduler.Summary) {
	status := green.Render("Sync complete")
	if sum.Failed > 0 || sum.Conflicts > 0 {
		status = yellow.Render("Sync finished with problems")
	}
	fmt.Fprintf(out, "%s: %d applied, %d skipped, %d deferred, %d failed, %d conflicts\n",
		status, sum.Applied, sum.Skipped, sum.Deferred, sum.Failed, sum.Conflicts)
}
