package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/callbridge/crmsync/internal/sync"
)

const statusListLimit = 20

func newStatusCmd() *cobra.Command {
	var flagIntegration string

	cmd := &cobra.Command{
		Use:   "status [process-id]",
		Short: "Show sync process status",
		Long: `Display recent sync processes for an integration, or one process in detail.

With a process id, shows the full state including the captured error of a
process that ended in ERROR.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runStatusOne(flagIntegration, args[0])
			}

			return runStatusList(flagIntegration)
		},
	}

	cmd.Flags().StringVar(&flagIntegration, "integration", "", "integration name (optional with a single integration configured)")

	return cmd
}

func runStatusList(integration string) error {
	logger := buildLogger()

	id, _, err := integrationConfig(integration)
	if err != nil {
		return err
	}

	store, err := sync.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer store.Close()

	procs, err := store.ListProcesses(context.Background(), id, statusListLimit)
	if err != nil {
		return err
	}

	if len(procs) == 0 {
		fmt.Printf("No sync processes recorded for integration %q.\n", id)

		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tOBJECT\tSTATE\tSYNCED\tFAILED\tSTARTED")

	for _, p := range procs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			p.ID, p.Context.Kind, p.Context.ObjectType, p.State,
			p.Results.TotalSynced, p.Results.TotalFailed,
			time.Unix(0, p.Context.StartedAt).Format(time.RFC3339))
	}

	return w.Flush()
}

func runStatusOne(integration, processID string) error {
	logger := buildLogger()

	if _, _, err := integrationConfig(integration); err != nil {
		return err
	}

	store, err := sync.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer store.Close()

	proc, err := store.GetProcess(context.Background(), processID)
	if err != nil {
		return err
	}

	fmt.Printf("Process %s\n", proc.ID)
	fmt.Printf("  Kind:        %s\n", proc.Context.Kind)
	fmt.Printf("  Object type: %s\n", proc.Context.ObjectType)
	fmt.Printf("  State:       %s\n", proc.State)
	fmt.Printf("  Progress:    %d/%d records, %d/%d pages\n",
		proc.Context.ProcessedRecords, proc.Context.TotalRecords,
		proc.Results.ProcessedPages, proc.Results.TotalPages)
	fmt.Printf("  Synced:      %d (failed %d)\n", proc.Results.TotalSynced, proc.Results.TotalFailed)

	if proc.Results.DurationMs > 0 {
		fmt.Printf("  Duration:    %s\n", time.Duration(proc.Results.DurationMs)*time.Millisecond)
	}

	if proc.Results.LastError != nil {
		fmt.Printf("  Error:       %s (at %s)\n",
			proc.Results.LastError.Message,
			time.Unix(0, proc.Results.LastError.At).Format(time.RFC3339))
	}

	for _, msg := range proc.Results.Errors {
		fmt.Printf("    - %s\n", msg)
	}

	return nil
}
