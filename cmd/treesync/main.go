package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/utils"
	"github.com/openmined/treesync/internal/version"
	"github.com/openmined/treesync/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// flag name -> config key
var flagKeys = map[string]string{
	"sync-dir":  "sync_dir",
	"data-dir":  "data_dir",
	"backend":   "remote.backend",
	"log-level": "log.level",
}

var logFile io.Closer

var rootCmd = &cobra.Command{
	Use:     "treesync",
	Short:   "Keep a local folder and a remote tree in sync",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := prepare(cmd)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runSync(cmd.Context(), cmd.OutOrStdout(), cfg, syncOptions{})
	},
}

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", config.DefaultConfigPath, "TreeSync config file")
	flags.StringP("sync-dir", "s", "", "Directory to synchronize (default "+config.DefaultSyncDir+")")
	flags.StringP("data-dir", "d", "", "Directory for the ledger and logs (default "+config.DefaultDataDir+")")
	flags.StringP("backend", "b", "", "Remote backend: s3 or mem")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
}

func main() {
	slog.SetDefault(slog.New(newConsoleHandler(slog.LevelInfo)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func newConsoleHandler(level slog.Level) slog.Handler {
	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: timeFormat,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
}

// resolveConfigPath honors, in order, the --config flag, TREESYNC_CONFIG_PATH
// and the default path.
func resolveConfigPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if envPath := os.Getenv("TREESYNC_CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return config.DefaultConfigPath
}

// readConfig layers defaults, the config file, a .env file, the environment
// and flags. The result is not validated.
func readConfig(cmd *cobra.Command) (*config.Config, error) {
	// a .env next to the binary is optional
	_ = godotenv.Load()

	v := viper.New()
	config.SetDefaults(v)

	path := resolveConfigPath(cmd)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	for name, key := range flagKeys {
		if f := cmd.Flag(name); f != nil {
			bindFlag(v, key, f)
		}
	}

	v.SetEnvPrefix("TREESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		slog.Warn("config bind flag", "flag", f.Name, "error", err)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := readConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// prepare loads the configuration and starts logging to the workspace log
// file as well as the console.
func prepare(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	ws, err := workspace.New(cfg.SyncDir, cfg.DataDir)
	if err != nil {
		return err
	}
	if err := utils.EnsureParent(ws.LogFile()); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(ws.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = file

	fileHandler := slog.NewTextHandler(utils.NewLogInterceptor(file), &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(newConsoleHandler(level), fileHandler)))
	return nil
}
