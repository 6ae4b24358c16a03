package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := Default()
	cfg.SourceDir = filepath.Join(root, "images")
	cfg.BackupDir = filepath.Join(root, "originals")
	cfg.StateDir = filepath.Join(root, "state")
	cfg.Transform.Dummy = true
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 64, cfg.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, time.Minute, cfg.JanitorInterval)
	assert.Equal(t, os.FileMode(0o644), cfg.FileMode.Perm())
	assert.Equal(t, []string{"png"}, cfg.AllowedTypes["image/png"])
	assert.Equal(t, "local", cfg.Backup.Kind)
}

func TestValidate_ResolvesPaths(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(cfg.SourceDir, ".tinifyd", "tmp"), cfg.TempDir)
	assert.Equal(t, filepath.Join(cfg.StateDir, "db", "tinifyd.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(cfg.StateDir, "logs"), cfg.LogsDir())
	assert.True(t, filepath.IsAbs(cfg.BackupDir))
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"lock ttl", func(c *Config) { c.LockTTL = 0 }, "lock_ttl"},
		{"sweep interval", func(c *Config) { c.SweepInterval = -time.Second }, "sweep_interval"},
		{"no types", func(c *Config) { c.AllowedTypes = nil }, "allowed_types"},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"tinify key", func(c *Config) { c.Transform.Dummy = false }, "transform.key"},
		{"dummy delays", func(c *Config) { c.Transform.DummyMaxDelay = time.Millisecond }, "dummy_max_delay"},
		{"backup kind", func(c *Config) { c.Backup.Kind = "tape" }, "backup.kind"},
		{"s3 bucket", func(c *Config) { c.Backup.Kind = "s3" }, "backup.s3.bucket"},
		{"backup inside source", func(c *Config) { c.BackupDir = filepath.Join(c.SourceDir, "orig") }, "inside source_dir"},
		{"temp is source", func(c *Config) { c.TempDir = c.SourceDir }, "temp_dir must not be source_dir"},
		{"temp contains source", func(c *Config) { c.TempDir = filepath.Dir(c.SourceDir) }, "temp_dir must not be source_dir"},
		{"temp is backup", func(c *Config) { c.TempDir = c.BackupDir }, "temp_dir and backup_dir"},
		{"temp inside backup", func(c *Config) { c.TempDir = filepath.Join(c.BackupDir, "tmp") }, "temp_dir and backup_dir"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLogLevel(t *testing.T) {
	cfg := validConfig(t)
	cfg.Log.Level = "warn"
	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	cfg.Debug = true
	lvl, err = cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestFileMode_Text(t *testing.T) {
	var m FileMode
	require.NoError(t, m.UnmarshalText([]byte("0600")))
	assert.Equal(t, os.FileMode(0o600), m.Perm())

	b, err := m.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "0600", string(b))

	assert.Error(t, m.UnmarshalText([]byte("rw-r--r--")))
}

func TestLoad_FromFileAndEnv(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
source_dir: `+filepath.Join(root, "images")+`
backup_dir: `+filepath.Join(root, "originals")+`
state_dir: `+filepath.Join(root, "state")+`
concurrency: 8
file_mode: "0600"
lock_ttl: 90s
transform:
  dummy: true
`), 0644))

	t.Setenv("TINIFYD_TASK_TIMEOUT", "3s")
	t.Setenv("TINIFYD_HTTP_ADDR", "127.0.0.1:9000")

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())
	BindEnv(v)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, file, cfg.Path)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.Equal(t, 3*time.Second, cfg.TaskTimeout)
	assert.Equal(t, os.FileMode(0o600), cfg.FileMode.Perm())
	assert.Equal(t, os.FileMode(0o755), cfg.DirMode.Perm())
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.True(t, cfg.Transform.Dummy)
	assert.Equal(t, []string{"jpg", "jpeg"}, cfg.AllowedTypes["image/jpeg"])
}
