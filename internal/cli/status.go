package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/api"
)

func newStatusCmd(ctx *context) *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the processes tracked by a running supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := ctx.resolveAPIAddr(apiAddr)
			if err != nil {
				return err
			}
			client := newAPIClient(addr)
			reports, err := client.Processes(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(reports) == 0 {
				fmt.Fprintln(out, "No processes are currently supervised.")
				return nil
			}

			t := tabby.NewCustom(tabwriter.NewWriter(out, 0, 4, 2, ' ', 0))
			t.AddHeader("PID", "NAME", "STATE", "UPTIME", "EXIT")
			for _, report := range reports {
				t.AddLine(report.PID, report.Name, processState(report), formatRuntime(report.RuntimeMS), formatExit(report.ExitCode))
			}
			t.Print()
			return nil
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "control API address (empty uses api.addr from the manifest)")
	return cmd
}

func processState(report api.ProcessReport) string {
	if report.Running {
		return "running"
	}
	return "exited"
}

func formatRuntime(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.Truncate(time.Millisecond).String()
	}
	return d.Truncate(time.Second).String()
}

func formatExit(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}
