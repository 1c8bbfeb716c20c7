package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatsCmd(ctx *context) *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate statistics for the supervised processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := ctx.resolveAPIAddr(apiAddr)
			if err != nil {
				return err
			}
			client := newAPIClient(addr)
			report, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tracked:     %d (%d running, %d exited)\n", report.Total, report.Running, report.Exited)
			fmt.Fprintf(out, "Memory:      %s resident\n", humanize.IBytes(report.TotalMemoryBytes))
			fmt.Fprintf(out, "Avg runtime: %s\n", formatRuntime(report.AverageRuntimeMS))
			if !report.GeneratedAt.IsZero() {
				fmt.Fprintf(out, "Generated:   %s (%s)\n",
					report.GeneratedAt.Format(time.RFC3339), humanize.Time(report.GeneratedAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "control API address (empty uses api.addr from the manifest)")
	return cmd
}
