// Command relay subscribes to and publishes on realtime channels from the terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "config/relay.yaml"
	loggerPrefix      = "relay "
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Realtime pub/sub client",
		Long:          "relay keeps a long-lived subscription open, reconnecting on failure, and prints what arrives.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("config", defaultConfigPath, "Path to the client configuration file")
	flags.String("subscribe-key", "", "Subscribe key (overrides config)")
	flags.String("publish-key", "", "Publish key (overrides config)")
	flags.String("origin", "", "Service origin host (overrides config)")
	flags.String("uuid", "", "Client identity (overrides config)")
	flags.Bool("quiet", false, "Suppress informational logs")

	root.AddCommand(
		newSubscribeCommand(),
		newPublishCommand(),
		newMigrateCommand(),
	)
	return root
}

func newLogger(cmd *cobra.Command) *log.Logger {
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		return log.New(io.Discard, "", 0)
	}
	return log.New(cmd.ErrOrStderr(), loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}
