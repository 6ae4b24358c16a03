// Package config holds the daemon settings, their defaults and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/openmined/tinifyd/internal/utils"
	"github.com/spf13/viper"
)

var (
	home, _         = os.UserHomeDir()
	DefaultStateDir = filepath.Join(home, ".tinifyd")
)

const (
	DefaultSourceDir = "/var/lib/tinifyd/images"
	DefaultBackupDir = "/var/lib/tinifyd/originals"
	DefaultHTTPAddr  = "localhost:7939"
	EnvPrefix        = "TINIFYD"

	metaDir = ".tinifyd"
)

// FileMode is an os.FileMode written as an octal string, e.g. "0644".
type FileMode os.FileMode

func (m FileMode) Perm() os.FileMode {
	return os.FileMode(m).Perm()
}

func (m FileMode) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#o", uint32(m))), nil
}

func (m *FileMode) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q", b)
	}
	*m = FileMode(v)
	return nil
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type TransformConfig struct {
	Dummy         bool          `mapstructure:"dummy"`
	Host          string        `mapstructure:"host"`
	Key           string        `mapstructure:"key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RateLimit     int64         `mapstructure:"rate_limit"`
	DummyMinDelay time.Duration `mapstructure:"dummy_min_delay"`
	DummyMaxDelay time.Duration `mapstructure:"dummy_max_delay"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

type BackupConfig struct {
	Kind string   `mapstructure:"kind"`
	S3   S3Config `mapstructure:"s3"`
}

type HTTPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Token     string `mapstructure:"token"`
	RateLimit string `mapstructure:"rate_limit"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	SourceDir string `mapstructure:"source_dir"`
	BackupDir string `mapstructure:"backup_dir"`
	TempDir   string `mapstructure:"temp_dir"`
	StateDir  string `mapstructure:"state_dir"`

	Concurrency     int           `mapstructure:"concurrency"`
	Buffers         int           `mapstructure:"buffers"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	SweepOnStart    bool          `mapstructure:"sweep_on_start"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	PruneOrphans    bool          `mapstructure:"prune_orphans"`
	Ignore          []string      `mapstructure:"ignore"`

	FileMode     FileMode            `mapstructure:"file_mode"`
	DirMode      FileMode            `mapstructure:"dir_mode"`
	AllowedTypes map[string][]string `mapstructure:"allowed_types"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Transform TransformConfig `mapstructure:"transform"`
	Backup    BackupConfig    `mapstructure:"backup"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Debug     bool            `mapstructure:"debug"`

	// Path of the config file in use, if any.
	Path string `mapstructure:"-"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		SourceDir:       DefaultSourceDir,
		BackupDir:       DefaultBackupDir,
		StateDir:        DefaultStateDir,
		Concurrency:     64,
		Buffers:         1,
		TaskTimeout:     10 * time.Second,
		LockTTL:         5 * time.Minute,
		JanitorInterval: time.Minute,
		SweepOnStart:    true,
		SweepInterval:   15 * time.Minute,
		PruneOrphans:    true,
		FileMode:        0o644,
		DirMode:         0o755,
		AllowedTypes: map[string][]string{
			"image/jpeg": {"jpg", "jpeg"},
			"image/png":  {"png"},
		},
		Database: DatabaseConfig{Driver: "sqlite"},
		Transform: TransformConfig{
			Host:          "api.tinify.com",
			Timeout:       60 * time.Second,
			DummyMinDelay: 500 * time.Millisecond,
			DummyMaxDelay: 5 * time.Second,
		},
		Backup: BackupConfig{Kind: "local"},
		HTTP: HTTPConfig{
			Enabled:   true,
			Addr:      DefaultHTTPAddr,
			RateLimit: "20-S",
		},
		Log: LogConfig{Level: "info"},
	}
}

// SetDefaults registers every key with viper so env vars can override it.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("source_dir", d.SourceDir)
	v.SetDefault("backup_dir", d.BackupDir)
	v.SetDefault("temp_dir", d.TempDir)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("buffers", d.Buffers)
	v.SetDefault("task_timeout", d.TaskTimeout)
	v.SetDefault("lock_ttl", d.LockTTL)
	v.SetDefault("janitor_interval", d.JanitorInterval)
	v.SetDefault("sweep_on_start", d.SweepOnStart)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("prune_orphans", d.PruneOrphans)
	v.SetDefault("ignore", d.Ignore)
	v.SetDefault("file_mode", "0644")
	v.SetDefault("dir_mode", "0755")
	v.SetDefault("allowed_types", d.AllowedTypes)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("transform.dummy", d.Transform.Dummy)
	v.SetDefault("transform.host", d.Transform.Host)
	v.SetDefault("transform.key", d.Transform.Key)
	v.SetDefault("transform.timeout", d.Transform.Timeout)
	v.SetDefault("transform.rate_limit", d.Transform.RateLimit)
	v.SetDefault("transform.dummy_min_delay", d.Transform.DummyMinDelay)
	v.SetDefault("transform.dummy_max_delay", d.Transform.DummyMaxDelay)
	v.SetDefault("backup.kind", d.Backup.Kind)
	v.SetDefault("backup.s3.bucket", "")
	v.SetDefault("backup.s3.region", "")
	v.SetDefault("backup.s3.endpoint", "")
	v.SetDefault("backup.s3.access_key", "")
	v.SetDefault("backup.s3.secret_key", "")
	v.SetDefault("backup.s3.prefix", "")
	v.SetDefault("http.enabled", d.HTTP.Enabled)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.token", d.HTTP.Token)
	v.SetDefault("http.rate_limit", d.HTTP.RateLimit)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("debug", d.Debug)
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unusable settings and resolves every path to an absolute one.
func (c *Config) Validate() error {
	var err error

	if c.SourceDir, err = utils.ResolvePath(c.SourceDir); err != nil {
		return fmt.Errorf("source_dir: %w", err)
	}
	if c.StateDir, err = utils.ResolvePath(c.StateDir); err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}
	if c.TempDir == "" {
		c.TempDir = filepath.Join(c.SourceDir, metaDir, "tmp")
	}
	if c.TempDir, err = utils.ResolvePath(c.TempDir); err != nil {
		return fmt.Errorf("temp_dir: %w", err)
	}

	var errs []error
	if within(c.TempDir, c.SourceDir) {
		errs = append(errs, errors.New("temp_dir must not be source_dir or contain it"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	if c.Buffers <= 0 {
		errs = append(errs, errors.New("buffers must be positive"))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, errors.New("task_timeout must be positive"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock_ttl must be positive"))
	}
	if c.JanitorInterval <= 0 {
		errs = append(errs, errors.New("janitor_interval must be positive"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep_interval must not be negative"))
	}
	if c.FileMode.Perm() == 0 || c.DirMode.Perm() == 0 {
		errs = append(errs, errors.New("file_mode and dir_mode must grant some permission"))
	}
	if len(c.AllowedTypes) == 0 {
		errs = append(errs, errors.New("allowed_types must not be empty"))
	}

	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
		c.Database.Driver = "sqlite"
		if c.Database.Path == "" {
			c.Database.Path = filepath.Join(c.StateDir, "db", "tinifyd.db")
		} else if c.Database.Path != ":memory:" {
			if c.Database.Path, err = utils.ResolvePath(c.Database.Path); err != nil {
				errs = append(errs, fmt.Errorf("database.path: %w", err))
			}
		}
	case "postgres", "pgx":
		c.Database.Driver = "postgres"
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}

	if !c.Transform.Dummy && c.Transform.Key == "" {
		errs = append(errs, errors.New("transform.key is required unless transform.dummy is set"))
	}
	if c.Transform.DummyMaxDelay < c.Transform.DummyMinDelay {
		errs = append(errs, errors.New("transform.dummy_max_delay must not be below transform.dummy_min_delay"))
	}

	switch c.Backup.Kind {
	case "local":
		if c.BackupDir, err = utils.ResolvePath(c.BackupDir); err != nil {
			errs = append(errs, fmt.Errorf("backup_dir: %w", err))
		} else if within(c.SourceDir, c.BackupDir) {
			errs = append(errs, errors.New("backup_dir must not be inside source_dir"))
		} else if within(c.TempDir, c.BackupDir) || within(c.BackupDir, c.TempDir) {
			errs = append(errs, errors.New("temp_dir and backup_dir must not overlap"))
		}
	case "s3":
		if c.Backup.S3.Bucket == "" {
			errs = append(errs, errors.New("backup.s3.bucket is required for s3 backups"))
		}
	case "none":
		slog.Warn("backups are disabled, originals will not be kept")
	default:
		errs = append(errs, fmt.Errorf("unsupported backup.kind %q", c.Backup.Kind))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LogLevel parses log.level; debug forces slog.LevelDebug.
func (c *Config) LogLevel() (slog.Level, error) {
	if c.Debug {
		return slog.LevelDebug, nil
	}
	var lvl slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// LogsDir is where the daemon writes its log file.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// BindEnv maps TINIFYD_* variables onto config keys, "." becoming "_".
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}
