package main

import (
	"fmt"

	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func newInitCmd() *cobra.Command {
	var s3 config.S3Config
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a TreeSync config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := resolveConfigPath(cmd)
			if utils.FileExists(path) && !force {
				fmt.Fprintf(out, "TreeSync already initialized at %s, use --force to overwrite\n", green.Render(path))
				return nil
			}

			cfg, err := readConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("bucket") {
				cfg.Remote.S3.Bucket = s3.Bucket
			}
			if flags.Changed("region") {
				cfg.Remote.S3.Region = s3.Region
			}
			if flags.Changed("endpoint") {
				cfg.Remote.S3.Endpoint = s3.Endpoint
			}
			if flags.Changed("prefix") {
				cfg.Remote.S3.Prefix = s3.Prefix
			}
			if flags.Changed("path-style") {
				cfg.Remote.S3.UsePathStyle = s3.UsePathStyle
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true
			if err := cfg.Save(path); err != nil {
				return err
			}

			fmt.Fprintln(out, "TreeSync initialized")
			fmt.Fprintf(out, "Config Path: %s\n", green.Render(path))
			fmt.Fprintf(out, "Sync Dir:    %s\n", cyan.Render(cfg.SyncDir))
			fmt.Fprintf(out, "Data Dir:    %s\n", cyan.Render(cfg.DataDir))
			fmt.Fprintf(out, "Backend:     %s\n", cyan.Render(cfg.Remote.Backend))
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVar(&s3.Bucket, "bucket", "", "S3 bucket")
	cmd.Flags().StringVar(&s3.Region, "region", "", "S3 region")
	cmd.Flags().StringVar(&s3.Endpoint, "endpoint", "", "S3 endpoint for non-AWS stores")
	cmd.Flags().StringVar(&s3.Prefix, "prefix", "", "Key prefix inside the bucket")
	cmd.Flags().BoolVar(&s3.UsePathStyle, "path-style", false, "Use path-style bucket addressing")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}
