package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scout",
		Short:         "scout: pooled SSH access to a fleet of endpoints",
		Long:          "scout keeps a bounded pool of SSH sessions to named endpoints and runs reads, commands and log tails against one or many of them, over HTTP or from the terminal.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newExecCmd(),
		newBroadcastCmd(),
		newEndpointsCmd(),
		newKeygenCmd(),
	)
	return rootCmd
}
