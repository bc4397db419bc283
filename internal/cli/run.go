package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"openwhen/internal/app"
)

type RunOptions struct {
	*RootOptions
	StopTimeout time.Duration
}

// NewRunCommand creates the daemon command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: `Run the scheduler daemon in the foreground.

On start the daemon reconciles every stored rule: occurrences missed while it
was down are delivered once per rule and the next occurrence is scheduled.
The config file is watched and hot-reloaded.

Example:
  openwhen run --config ./openwhen.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	cmd.Flags().DurationVar(&opts.StopTimeout, "stop-timeout", 10*time.Second, "graceful shutdown budget")
	return cmd
}

func runDaemon(parent context.Context, opts *RunOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(parent, opts.Config, app.WithVersion(opts.Version))
	if err != nil {
		return WrapExitError(ExitCommandError, "init", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(parent); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return WrapExitError(ExitFailure, "start", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-parent.Done():
		reason = app.StopAppStop
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if fatal := a.Err(); fatal != nil {
		return WrapExitError(ExitFailure, "fatal", fatal)
	}
	if stopErr != nil {
		return WrapExitError(ExitFailure, "stop", stopErr)
	}
	return nil
}
