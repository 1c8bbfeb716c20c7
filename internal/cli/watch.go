package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wardenhq/warden/internal/tui"
)

func newWatchCmd(ctx *context) *cobra.Command {
	var (
		apiAddr  string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the supervised processes in an interactive table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !supportsInteractiveOutput(cmd) {
				return fmt.Errorf("watch requires an interactive terminal")
			}

			addr, err := ctx.resolveAPIAddr(apiAddr)
			if err != nil {
				return err
			}
			client := newAPIClient(addr)

			ui := tui.New(client, tui.WithInterval(interval), tui.WithAddr(addr))
			return ui.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "control API address (empty uses api.addr from the manifest)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval for refreshing the table")
	return cmd
}

// supportsInteractiveOutput reports whether the command writes to a real
// terminal. Commands driving a full-screen interface refuse pipes.
func supportsInteractiveOutput(cmd *cobra.Command) bool {
	file, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}
