// agor-executor runs exactly one prompt: it dials the daemon, executes
// the task against the shared store, forwards every broadcast back to the
// daemon's hub, and exits. Exit codes: 0 success or stopped, 1 fatal
// executor error, 2 authentication failure, 64 bad usage.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

const (
	exitOK       = 0
	exitFatal    = 1
	exitAuth     = 2
	exitBadUsage = 64
)

// usageError marks a flag-validation failure so main can map it to 64.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// authError marks an authentication failure so main can map it to 2.
type authError struct{ cause error }

func (e authError) Error() string { return e.cause.Error() }
func (e authError) Unwrap() error { return e.cause }

type options struct {
	daemonURL      string
	sessionToken   string
	sessionID      string
	taskID         string
	prompt         string
	tool           string
	permissionMode string
	cwd            string
	storeBackend   string
	storePath      string
	storeDSN       string
	debug          bool
}

func (o options) validate() error {
	missing := []string{}
	for _, f := range []struct{ name, value string }{
		{"daemon-url", o.daemonURL},
		{"session-token", o.sessionToken},
		{"session-id", o.sessionID},
		{"task-id", o.taskID},
		{"prompt", o.prompt},
		{"tool", o.tool},
	} {
		if f.value == "" {
			missing = append(missing, "--"+f.name)
		}
	}
	if len(missing) > 0 {
		return usageError{msg: fmt.Sprintf("missing required flags: %v", missing)}
	}
	return nil
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:           "agor-executor",
		Short:         "Agor one-prompt executor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitBadUsage)
		return nil
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one prompt and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}
	flags := runCmd.Flags()
	flags.StringVar(&opts.daemonURL, "daemon-url", "", "Daemon websocket endpoint (ws://host:port/ws)")
	flags.StringVar(&opts.sessionToken, "session-token", "", "Per-task session token")
	flags.StringVar(&opts.sessionID, "session-id", "", "Session to execute against")
	flags.StringVar(&opts.taskID, "task-id", "", "Task this process owns")
	flags.StringVar(&opts.prompt, "prompt", "", "User prompt text")
	flags.StringVar(&opts.tool, "tool", "", "Agentic tool name")
	flags.StringVar(&opts.permissionMode, "permission-mode", "", "Permission mode override")
	flags.StringVar(&opts.cwd, "cwd", "", "Working directory override")
	flags.StringVar(&opts.storeBackend, "store-backend", "memory", "Store backend (memory|sqlite|postgres)")
	flags.StringVar(&opts.storePath, "store-path", "", "SQLite database path")
	flags.StringVar(&opts.storeDSN, "store-dsn", "", "Postgres DSN")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the executor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agor-executor", version)
		},
	}
	root.AddCommand(runCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agor-executor:", err)
		var usage usageError
		var auth authError
		switch {
		case errors.As(err, &usage):
			os.Exit(exitBadUsage)
		case errors.As(err, &auth):
			os.Exit(exitAuth)
		default:
			os.Exit(exitFatal)
		}
	}
	os.Exit(exitOK)
}
