package main

import (
	"fmt"

	"github.com/openmined/treesync/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print TreeSync version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			line := version.DetailedWithApp()
			if short {
				line = version.ShortWithApp()
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), line)
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version and revision")
	return cmd
}
