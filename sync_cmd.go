package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/callbridge/crmsync/internal/realtime"
	"github.com/callbridge/crmsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var (
		flagOngoing bool
		flagSince   time.Duration
		flagWatch   bool
	)

	cmd := &cobra.Command{
		Use:   "sync [integration]",
		Short: "Run a CRM synchronization",
		Long: `Run a sync for one configured integration.

By default this is an initial (full) sync. Use --ongoing for a delta sync of
records modified within the --since window. Use --watch to keep running after
the sync drains, consuming the vendor event stream for real-time updates.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			integration := ""
			if len(args) > 0 {
				integration = args[0]
			}

			return runSync(integration, flagOngoing, flagSince, flagWatch)
		},
	}

	cmd.Flags().BoolVar(&flagOngoing, "ongoing", false, "delta sync of recently modified records")
	cmd.Flags().DurationVar(&flagSince, "since", 24*time.Hour, "modification window for --ongoing")
	cmd.Flags().BoolVar(&flagWatch, "watch", false, "stay running and consume the vendor event stream")

	return cmd
}

func runSync(integration string, ongoing bool, since time.Duration, watch bool) error {
	logger := buildLogger()

	engine, store, err := buildEngine(integration, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })

	if watch {
		if err := startListener(gctx, g, integration, engine, logger); err != nil {
			stop()
			_ = g.Wait()

			return err
		}
	}

	var procs []*sync.SyncProcess

	if ongoing {
		procs, err = engine.StartOngoingSync(ctx, time.Now().Add(-since).UnixNano())
	} else {
		procs, err = engine.StartInitialSync(ctx)
	}

	if err != nil {
		stop()
		_ = g.Wait()

		return err
	}

	if err := engine.Drain(ctx); err != nil {
		return err
	}

	// One-shot mode shuts down once drained; --watch keeps serving the
	// event stream until interrupted.
	if !watch {
		stop()
	}

	if err := g.Wait(); err != nil {
		return err
	}

	printSyncSummary(ctx, engine, procs)

	return nil
}

// startListener wires the realtime event-stream listener into the errgroup
// when the integration configures one.
func startListener(ctx context.Context, g *errgroup.Group, integration string, engine *sync.Engine, logger *slog.Logger) error {
	id, ic, err := integrationConfig(integration)
	if err != nil {
		return err
	}

	if ic.EventStreamURL == "" {
		logger.Warn("--watch requested but no event_stream_url configured",
			slog.String("integration_id", id))

		return nil
	}

	token, err := readSecretFile(ic.APIKeyPath)
	if err != nil {
		return err
	}

	listener := realtime.NewListener(ic.EventStreamURL, token, engine, logger)
	g.Go(func() error { return listener.Listen(ctx) })

	logger.Info("event stream listener enabled",
		slog.String("integration_id", id), slog.String("url", ic.EventStreamURL))

	return nil
}

// readSecretFile reads a trimmed one-line secret; empty path is allowed.
func readSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	return strings.TrimSpace(string(data)), nil
}

func printSyncSummary(ctx context.Context, engine *sync.Engine, procs []*sync.SyncProcess) {
	delivered, redelivered, deadLettered := engine.Stats()

	fmt.Printf("Sync finished: %d tasks delivered (%d retried, %d dead-lettered)\n",
		delivered, redelivered, deadLettered)

	for _, created := range procs {
		proc, err := engine.GetProcess(ctx, created.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", created.ID, err)

			continue
		}

		fmt.Printf("  %-10s %-20s %d synced, %d failed (%s)\n",
			proc.Context.ObjectType, proc.State, proc.Results.TotalSynced,
			proc.Results.TotalFailed, time.Duration(proc.Results.DurationMs)*time.Millisecond)
	}
}
