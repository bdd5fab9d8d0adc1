package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/taskdock/taskdock/internal/cache"
	"github.com/taskdock/taskdock/internal/config"
	"github.com/taskdock/taskdock/internal/gateway"
	"github.com/taskdock/taskdock/internal/monitor"
	"github.com/taskdock/taskdock/internal/queue"
	"github.com/taskdock/taskdock/internal/reconcile"
	"github.com/taskdock/taskdock/internal/store"
)

var (
	flagConfig  string
	flagDataDir string
)

var rootCmd = &cobra.Command{
	Use:   "td",
	Short: "Offline-first task manager",
	Long: `taskdock keeps your tasks, projects, and sections usable without
network connectivity. Edits made offline are stored durably and queued,
then reconciled against the remote record store once connectivity returns.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(watchCmd)
}

// app wires the sync core together for one CLI invocation.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  *store.Store
	queue  *queue.Queue
	gw     *gateway.Client
	cache  *cache.Cache
	engine *reconcile.Engine
}

// openApp loads configuration and opens every component. A missing remote
// credential is fatal here, before any request is attempted.
func openApp() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}

	logger := config.NewLogger(cfg.Log)

	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Remote.BaseURL,
		Token:       cfg.Remote.Token,
		Timeout:     cfg.Remote.Timeout,
		MinInterval: cfg.Remote.MinInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	q := queue.New(st, cfg.Sync.StuckThreshold, logger)
	c := cache.New(st, q, gw, logger)
	engine := reconcile.New(st, q, gw, logger)
	engine.SetRefresher(c)
	engine.SetStatusSink(c)

	c.SetOnline(monitor.ReadState(cfg.DataDir))
	if err := c.LoadLocal(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: logger, store: st, queue: q, gw: gw, cache: c, engine: engine}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
	}
}

// fatal prints the error and exits, the way one-shot commands bail out.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
