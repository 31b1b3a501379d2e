// Package main provides the entry point for the velometry CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/velometry/velometry/cmd/velometry/commands"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "velometry",
		Short: "Velometry - engineering delivery metrics",
		Long: `Velometry collects delivery data from a source host and an issue
tracker, computes team and person metrics, and serves them over an
authenticated dashboard API.

Commands:
  collect   Run one collection job and write the metrics artifact
  serve     Serve the dashboard API`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewCollectCommand())
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewHashPasswordCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
