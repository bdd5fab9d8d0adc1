package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskdock/taskdock/internal/monitor"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile queued changes with the remote store now",
	Long: `Drain the sync queue against the remote store, then refetch all
collections so the local mirror reflects server-confirmed state.

Failed items stay queued and retry on the next run.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		start := time.Now()
		res, err := a.engine.Run(context.Background())
		if err != nil {
			fatal(err)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Processed: %d\n", res.Processed)
		fmt.Printf("  Succeeded: %d\n", res.Succeeded)
		if res.Failed > 0 {
			fmt.Printf("  Failed:    %d (will retry)\n", res.Failed)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and queue counts",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		snap := a.cache.Snapshot()
		fmt.Printf("State:    %s\n", snap.State)
		fmt.Printf("Online:   %v\n", snap.Online)
		fmt.Printf("Pending:  %d\n", snap.PendingCount)
		if snap.StuckCount > 0 {
			fmt.Printf("Stuck:    %d (retried every run; inspect with 'td sync')\n", snap.StuckCount)
		}
		if !snap.LastSync.IsZero() {
			fmt.Printf("Last sync: %s\n", snap.LastSync.Local().Format(time.RFC1123))
		}
		if snap.SyncError != "" {
			fmt.Printf("Sync error: %s\n", snap.SyncError)
		}
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch connectivity and reconcile on reconnect",
	Long: `Run in the foreground, observing reachability transitions. When
connectivity returns, queued changes are reconciled automatically. Stop
with Ctrl-C.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		m, err := monitor.New(a.cfg.DataDir, a.engine, monitor.Config{
			Debounce: a.cfg.Sync.Debounce,
			Sink:     a.cache,
		}, a.log)
		if err != nil {
			fatal(err)
		}
		a.cache.SetTransportReporter(m)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := m.Start(ctx); err != nil {
			fatal(err)
		}
		fmt.Printf("Watching connectivity (netstate: %s/%s)\n", a.cfg.DataDir, monitor.StateFileName)

		// One pass up front so a queue built up while the watcher was down
		// doesn't wait for a transition.
		if m.IsOnline() {
			if _, err := a.engine.Run(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: initial sync failed: %v\n", err)
			}
		}

		<-ctx.Done()
		if err := m.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to stop monitor: %v\n", err)
		}
		fmt.Println("Stopped")
	},
}
