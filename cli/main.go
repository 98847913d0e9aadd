package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

const (
	exitFailed      = 1 // some instance failed
	exitCouldNotRun = 2 // config, credentials or identity error
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fmbench-orchestrator",
		Short: "Run FMBench on a fleet of EC2 instances",
		Long: "fmbench-orchestrator provisions EC2 instances, runs FMBench workload configs on each of them over SSH, " +
			"and collects the logs and results locally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log-level", "l", "info", "Set log level. Available: debug, info, warn, error")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		levelStr, _ := c.Flags().GetString("log-level")
		var level slog.Level
		err := level.UnmarshalText([]byte(levelStr))
		if err != nil {
			return &exitError{code: exitCouldNotRun, err: fmt.Errorf("invalid log level %q", levelStr)}
		}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)
		return nil
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	code := exitCouldNotRun
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	slog.Error("fmbench-orchestrator failed", slog.String("error", err.Error()))
	os.Exit(code)
}
