package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var configFile string

	root := &cobra.Command{
		Use:   "warden",
		Short: "Supervise child processes and guarantee their cleanup",
		Long: "warden launches child processes, tracks them in a registry and makes sure\n" +
			"none of them outlive it: graceful termination first, forced kill when the\n" +
			"grace period runs out.",
	}

	root.PersistentFlags().
		StringVarP(&configFile, "file", "f", config.DefaultFileName, "Path to the warden manifest")

	ctx := &context{configFile: &configFile}
	root.AddCommand(newUpCmd(ctx))
	root.AddCommand(newStatusCmd(ctx))
	root.AddCommand(newStatsCmd(ctx))
	root.AddCommand(newKillallCmd(ctx))
	root.AddCommand(newStopCmd(ctx))
	root.AddCommand(newWatchCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	configFile *string
}

func (c *context) loadConfig() (*config.File, error) {
	return config.LoadOrDefault(*c.configFile)
}

// resolveAPIAddr picks the control API address for client commands: an
// explicit --api flag wins, otherwise the manifest's api.addr.
func (c *context) resolveAPIAddr(flagValue string) (string, error) {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue, nil
	}
	doc, err := c.loadConfig()
	if err != nil {
		return "", err
	}
	return doc.API.Addr, nil
}
