package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/tinifyd/internal/config"
	"github.com/openmined/tinifyd/internal/daemon"
	"github.com/openmined/tinifyd/internal/workspace"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the optimizer until interrupted (default command)",
		RunE:  runDaemon,
	}
	addDaemonFlags(cmd)
	return cmd
}

func addDaemonFlags(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.Flags().String("http-addr", config.DefaultHTTPAddr, "control plane address")
	cmd.Flags().String("http-token", "", "control plane bearer token")
	cmd.Flags().Bool("http", true, "serve the control plane")
	cmd.Flags().Bool("dummy", false, "use the dummy transformer instead of the Tinify API")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	showBanner(cmd.OutOrStdout())

	return withDeps(cmd.Context(), func(ctx context.Context, deps *daemon.Deps) error {
		d, err := daemon.New(deps)
		if err != nil {
			return err
		}
		defer slog.Info("Bye!")
		return d.Run(ctx)
	})
}

// withDeps locks the workspace, builds the shared components and hands them
// to fn. Everything is released when fn returns.
func withDeps(ctx context.Context, fn func(context.Context, *daemon.Deps) error) error {
	ws := workspace.New(cfg)
	if err := ws.Setup(); err != nil {
		if errors.Is(err, workspace.ErrWorkspaceLocked) {
			return fmt.Errorf("%s another tinifyd instance is using %s", red.Render("ERROR"), cfg.StateDir)
		}
		return err
	}
	defer ws.Unlock()

	deps, err := daemon.NewDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	return fn(ctx, deps)
}
