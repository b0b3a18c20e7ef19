// agord is the Agor control-plane daemon: it owns persistent state and
// the real-time bus, serves the HTTP and websocket API, and executes (or
// spawns executors for) every prompt.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is stamped at build time.
var version = "dev"

const (
	exitOK       = 0
	exitFatal    = 1
	exitBadUsage = 64
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "agord",
		Short:         "Agor control-plane daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitBadUsage)
		return nil
	})
	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agord:", err)
		os.Exit(exitFatal)
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Agor daemon",
		Long: `Start the Agor daemon: load configuration, open the store, start the
real-time hub, the HTTP API, the metrics listener, and the background
sweeps. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "agor.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agord", version)
		},
	}
}
