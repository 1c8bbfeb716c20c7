package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newStopCmd(ctx *context) *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "stop <pid>",
		Short: "Release a process from supervision without terminating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid %q", args[0])
			}

			addr, err := ctx.resolveAPIAddr(apiAddr)
			if err != nil {
				return err
			}
			client := newAPIClient(addr)
			result, err := client.StopProcess(cmd.Context(), pid)
			if err != nil {
				return err
			}

			if result.Removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Process %d released from supervision.\n", pid)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "No supervised process with pid %d.\n", pid)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "control API address (empty uses api.addr from the manifest)")
	return cmd
}
