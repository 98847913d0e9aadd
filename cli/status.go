package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	statusstore "github.com/Octogonapus/FMBenchOrchestrator/status_store"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var dbPath, runID, instance string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the steps recorded for a run in the status database",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := statusstore.Open(dbPath)
			if err != nil {
				return &exitError{code: exitCouldNotRun, err: err}
			}
			defer store.Close()
			err = printStatus(cmd, store, runID, instance)
			if err != nil {
				return &exitError{code: exitCouldNotRun, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "status-db", "", "SQLite database the run recorded its steps in (required)")
	cmd.Flags().StringVar(&runID, "run", "", "Run id (required)")
	cmd.Flags().StringVar(&instance, "instance", "", "Show every step of this instance instead of the latest step of each")
	_ = cmd.MarkFlagRequired("status-db")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func printStatus(cmd *cobra.Command, store *statusstore.Store, runID, instance string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s (%s) started %s\n", run.RunID, run.Name, run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt.Valid {
		fmt.Fprintf(out, "finished %s: succeeded: %d, failed: %d, skipped: %d\n",
			run.FinishedAt.Time.Format(time.RFC3339), run.Succeeded, run.Failed, run.Skipped)
	} else {
		fmt.Fprintln(out, "still running")
	}

	if instance != "" {
		events, err := store.Events(ctx, runID, instance)
		if err != nil {
			return err
		}
		for _, e := range events {
			printEvent(out, e)
		}
		return nil
	}

	latest, err := store.Latest(ctx, runID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printEvent(out, latest[name])
	}
	return nil
}

func printEvent(out io.Writer, e statusstore.Event) {
	fmt.Fprintf(out, "  %s  %-40s %-20s %s\n", e.CreatedAt.Format(time.RFC3339), e.Instance, e.Step, e.Detail)
}
