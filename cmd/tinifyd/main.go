package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/tinifyd/internal/config"
	"github.com/openmined/tinifyd/internal/utils"
	"github.com/openmined/tinifyd/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	logFileName    = "tinifyd.log"
)

var (
	home, _ = os.UserHomeDir()

	// set by the root PersistentPreRunE
	cfg *config.Config

	logLevel = new(slog.LevelVar)
	closeLog = func() {}
)

var rootCmd = &cobra.Command{
	Use:     "tinifyd",
	Short:   "Watches a directory and replaces images with optimized versions",
	Version: version.Detailed(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, err = loadConfig(cmd, viper.GetViper())
		if err != nil {
			return err
		}
		return setupFileLogging(cfg)
	},
	RunE: runDaemon,
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default ~/.tinifyd/config.yaml or /etc/tinifyd/config.yaml)")
	rootCmd.PersistentFlags().StringP("source", "s", "", "directory to optimize")
	rootCmd.PersistentFlags().String("state", "", "directory for the database, logs and lock file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	addDaemonFlags(rootCmd)
}

func main() {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(stdoutHandler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads, in increasing priority: defaults, the config file, a
// .env file, TINIFYD_* variables and flags.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	config.SetDefaults(v)

	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else if path := os.Getenv(config.EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(home, ".tinifyd"))
		v.AddConfigPath("/etc/tinifyd")
		v.SetConfigName(configFileName)
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	bindFlag(v, cmd, "source_dir", "source")
	bindFlag(v, cmd, "state_dir", "state")
	bindFlag(v, cmd, "debug", "debug")
	bindFlag(v, cmd, "http.addr", "http-addr")
	bindFlag(v, cmd, "http.token", "http-token")
	bindFlag(v, cmd, "http.enabled", "http")
	bindFlag(v, cmd, "transform.dummy", "dummy")

	config.BindEnv(v)

	return config.Load(v)
}

// bindFlag binds the flag only if cmd has it.
func bindFlag(v *viper.Viper, cmd *cobra.Command, key, name string) {
	if f := cmd.Flags().Lookup(name); f != nil {
		_ = v.BindPFlag(key, f)
	}
}

// setupFileLogging adds the log file next to stdout and applies the
// configured level.
func setupFileLogging(cfg *config.Config) error {
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logLevel.Set(level)

	logFile := filepath.Join(cfg.LogsDir(), logFileName)
	if err := utils.EnsureParent(logFile); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stamp := utils.NewStampWriter(file)
	fileHandler := slog.NewTextHandler(stamp, &slog.HandlerOptions{
		Level: logLevel,
		// the stamp writer adds the time
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	handler := utils.NewFanoutHandler(slog.Default().Handler(), fileHandler)
	slog.SetDefault(slog.New(handler))
	closeLog = func() {
		stamp.Close()
		file.Close()
	}
	return nil
}
