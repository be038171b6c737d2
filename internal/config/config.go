// Package config holds the engine configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/treesync/internal/replica"
	"github.com/openmined/treesync/internal/utils"
	"github.com/spf13/viper"
)

const (
	BackendS3  = "s3"
	BackendMem = "mem"

	DefaultDebounce           = 1500 * time.Millisecond
	DefaultRefreshInterval    = 15 * time.Minute
	DefaultRetryInterval      = time.Minute
	DefaultMaxResync          = 5
	DefaultCompareThreshold   = 5 << 20
	DefaultTombstoneRetention = 30 * 24 * time.Hour
	DefaultRootFolder         = "TreeSync"
)

var (
	home, _           = os.UserHomeDir()
	DefaultSyncDir    = filepath.Join(home, "TreeSync")
	DefaultDataDir    = filepath.Join(home, ".treesync")
	DefaultConfigPath = filepath.Join(DefaultDataDir, "config.json")
)

var (
	ErrNoSyncDir       = errors.New("config: sync_dir is required")
	ErrNoDataDir       = errors.New("config: data_dir is required")
	ErrDataDirInSync   = errors.New("config: data_dir must not be inside sync_dir")
	ErrUnknownBackend  = errors.New("config: unknown remote backend")
	ErrNoBucket        = errors.New("config: remote.s3.bucket is required for the s3 backend")
	ErrInvalidInterval = errors.New("config: intervals must be positive")
)

type Config struct {
	SyncDir string `mapstructure:"sync_dir"`
	DataDir string `mapstructure:"data_dir"`
	// ClientID tags this client's changes in push notifications. Empty uses
	// the id stored in the data directory.
	ClientID string       `mapstructure:"client_id"`
	Remote   RemoteConfig `mapstructure:"remote"`
	Sync     SyncConfig   `mapstructure:"sync"`
	Local    LocalConfig  `mapstructure:"local"`
	Log      LogConfig    `mapstructure:"log"`

	Path string `mapstructure:"-"`
}

type RemoteConfig struct {
	Backend    string   `mapstructure:"backend"`
	RootFolder string   `mapstructure:"root_folder"`
	UseTrash   bool     `mapstructure:"use_trash"`
	EventsURL  string   `mapstructure:"events_url"`
	S3         S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Prefix       string `mapstructure:"prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type SyncConfig struct {
	Debounce            time.Duration `mapstructure:"debounce"`
	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
	RetryInterval       time.Duration `mapstructure:"retry_interval"`
	MaxResync           int           `mapstructure:"max_resync"`
	BackupSuffix        string        `mapstructure:"backup_suffix"`
	CompareThreshold    int64         `mapstructure:"compare_threshold"`
	ResetLedgerOnSevere bool          `mapstructure:"reset_ledger_on_severe"`
	TombstoneRetention  time.Duration `mapstructure:"tombstone_retention"`
}

type LocalConfig struct {
	// Recycle moves locally deleted items to the data directory.
	Recycle bool `mapstructure:"recycle"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Default() *Config {
	return &Config{
		SyncDir: DefaultSyncDir,
		DataDir: DefaultDataDir,
		Remote: RemoteConfig{
			Backend:    BackendS3,
			RootFolder: DefaultRootFolder,
			UseTrash:   true,
		},
		Sync: SyncConfig{
			Debounce:           DefaultDebounce,
			RefreshInterval:    DefaultRefreshInterval,
			RetryInterval:      DefaultRetryInterval,
			MaxResync:          DefaultMaxResync,
			BackupSuffix:       string(replica.BackupSuffix),
			CompareThreshold:   DefaultCompareThreshold,
			TombstoneRetention: DefaultTombstoneRetention,
		},
		Log: LogConfig{Level: "info"},
	}
}

// SetDefaults registers the defaults with v so that environment variables
// are picked up for every key.
func SetDefaults(v *viper.Viper) {
	for key, value := range Default().values() {
		v.SetDefault(key, value)
	}
}

// Load reads the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	return cfg, nil
}

// Validate checks the configuration and makes the directories absolute.
func (c *Config) Validate() error {
	if c.SyncDir == "" {
		return ErrNoSyncDir
	}
	if c.DataDir == "" {
		return ErrNoDataDir
	}

	var err error
	if c.SyncDir, err = utils.ResolvePath(c.SyncDir); err != nil {
		return fmt.Errorf("config: sync_dir: %w", err)
	}
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("config: data_dir: %w", err)
	}
	if utils.IsSubPath(c.SyncDir, c.DataDir) {
		return ErrDataDirInSync
	}

	switch c.Remote.Backend {
	case BackendS3:
		if c.Remote.S3.Bucket == "" {
			return ErrNoBucket
		}
	case BackendMem:
	default:
		return fmt.Errorf("%w %q", ErrUnknownBackend, c.Remote.Backend)
	}

	if c.Sync.Debounce <= 0 || c.Sync.RetryInterval <= 0 || c.Sync.RefreshInterval < 0 || c.Sync.TombstoneRetention <= 0 {
		return ErrInvalidInterval
	}
	if c.Sync.MaxResync < 0 {
		return fmt.Errorf("config: sync.max_resync must not be negative")
	}
	if _, err := replica.ParseBackupPolicy(c.Sync.BackupSuffix); err != nil {
		return fmt.Errorf("config: sync.backup_suffix: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}

// Save writes the configuration as JSON. Durations are written as strings.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := jsonMarshalIndent(nest(c.values()), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) values() map[string]any {
	return map[string]any{
		"sync_dir":                    c.SyncDir,
		"data_dir":                    c.DataDir,
		"client_id":                   c.ClientID,
		"remote.backend":              c.Remote.Backend,
		"remote.root_folder":          c.Remote.RootFolder,
		"remote.use_trash":            c.Remote.UseTrash,
		"remote.events_url":           c.Remote.EventsURL,
		"remote.s3.bucket":            c.Remote.S3.Bucket,
		"remote.s3.region":            c.Remote.S3.Region,
		"remote.s3.endpoint":          c.Remote.S3.Endpoint,
		"remote.s3.access_key":        c.Remote.S3.AccessKey,
		"remote.s3.secret_key":        c.Remote.S3.SecretKey,
		"remote.s3.prefix":            c.Remote.S3.Prefix,
		"remote.s3.use_path_style":    c.Remote.S3.UsePathStyle,
		"sync.debounce":               c.Sync.Debounce.String(),
		"sync.refresh_interval":       c.Sync.RefreshInterval.String(),
		"sync.retry_interval":         c.Sync.RetryInterval.String(),
		"sync.max_resync":             c.Sync.MaxResync,
		"sync.backup_suffix":          c.Sync.BackupSuffix,
		"sync.compare_threshold":      c.Sync.CompareThreshold,
		"sync.reset_ledger_on_severe": c.Sync.ResetLedgerOnSevere,
		"sync.tombstone_retention":    c.Sync.TombstoneRetention.String(),
		"local.recycle":               c.Local.Recycle,
		"log.level":                   c.Log.Level,
	}
}

// nest turns dotted keys into nested maps.
func nest(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}
	return out
}
