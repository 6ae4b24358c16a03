package main

import (
	"context"
	"fmt"

	"github.com/openmined/tinifyd/internal/daemon"
	"github.com/openmined/tinifyd/internal/lease"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newReclaimCmd())
}

func newReclaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Delete leases older than the lock TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ttl := cfg.LockTTL
			if f := cmd.Flags().Lookup("ttl"); f.Changed {
				ttl, _ = cmd.Flags().GetDuration("ttl")
			}

			return withDeps(cmd.Context(), func(ctx context.Context, deps *daemon.Deps) error {
				janitor := lease.NewJanitor(deps.Leases, nil, cfg.JanitorInterval, ttl)
				reclaimed, err := janitor.RunOnce(ctx)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				for _, l := range reclaimed {
					fmt.Fprintf(w, "%s %s %s\n", red.Render("reclaimed"), l.Path, gray.Render(l.Key.Short()))
				}
				fmt.Fprintf(w, "%d leases reclaimed\n", len(reclaimed))
				return nil
			})
		},
	}
	cmd.Flags().Duration("ttl", 0, "override lock_ttl")
	return cmd
}
