package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newKillallCmd(ctx *context) *cobra.Command {
	var (
		apiAddr string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "killall",
		Short: "Terminate every supervised process, gracefully then by force",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := ctx.resolveAPIAddr(apiAddr)
			if err != nil {
				return err
			}
			client := newAPIClient(addr)
			result, err := client.Terminate(cmd.Context(), timeout, cmd.Flags().Changed("timeout"))
			if err != nil {
				return err
			}

			duration := time.Duration(result.DurationMS) * time.Millisecond
			fmt.Fprintf(cmd.OutOrStdout(), "Terminated %d process(es), %d failed, in %s.\n",
				result.Succeeded, result.Failed, duration.Truncate(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "control API address (empty uses api.addr from the manifest)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "grace period before force kill (default: the supervisor's configured period)")
	return cmd
}
