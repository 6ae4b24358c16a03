package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/openmined/tinifyd/internal/daemon"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newGCCmd())
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete blobs no path refers to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			return withDeps(cmd.Context(), func(ctx context.Context, deps *daemon.Deps) error {
				n, err := deps.Sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				st, err := deps.Blobs.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d orphan blobs, %s blobs and %s paths left (%s)\n",
					green.Render("collected"), n,
					humanize.Comma(st.Blobs), humanize.Comma(st.Paths), humanize.Bytes(uint64(st.Bytes)))
				return nil
			})
		},
	}
}
