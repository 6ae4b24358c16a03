package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/openmined/tinifyd/internal/daemon"
	"github.com/openmined/tinifyd/internal/optimizer"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSweepCmd())
}

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Optimize every pending image once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			collect, _ := cmd.Flags().GetBool("gc")

			return withDeps(cmd.Context(), func(ctx context.Context, deps *daemon.Deps) error {
				report, err := deps.Optimizer.Sweep(ctx)
				if err != nil {
					return err
				}
				printSweepReport(cmd, report)

				if !collect {
					return nil
				}
				n, err := deps.Sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d orphan blobs\n", green.Render("collected"), n)
				return nil
			})
		},
	}
	cmd.Flags().Bool("gc", false, "delete orphan blobs after the sweep")
	return cmd
}

func printSweepReport(cmd *cobra.Command, report *optimizer.SweepReport) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s files in %s\n", green.Render("swept"), humanize.Comma(int64(report.Files)), report.Took)

	outcomes := make([]string, 0, len(report.Outcomes))
	for o := range report.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	slices.Sort(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-18s %d\n", gray.Render(o), report.Outcomes[optimizer.Outcome(o)])
	}
	if report.Errors > 0 {
		fmt.Fprintf(w, "%s %d files failed, see the log\n", red.Render("errors"), report.Errors)
	}
}
