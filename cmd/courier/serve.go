package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/courier/internal/api"
	"github.com/mattjoyce/courier/internal/config"
	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/history"
	"github.com/mattjoyce/courier/internal/lock"
	"github.com/mattjoyce/courier/internal/log"
)

func printServeHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: courier serve [--config PATH] [--listen HOST:PORT] [--db PATH]")
	fmt.Fprintln(w, "Run the HTTP control API until interrupted.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Endpoints:")
	fmt.Fprintln(w, "  POST /fetch           Submit {\"urls\": [...]} for background fetching")
	fmt.Fprintln(w, "  GET  /fetch           List tracked fetches")
	fmt.Fprintln(w, "  GET  /fetch/{id}      Fetch status (?body=true includes the body)")
	fmt.Fprintln(w, "  GET  /events          Server-sent completion events")
	fmt.Fprintln(w, "  GET  /healthz         Worker and queue statistics")
}

func runServe(args []string) int {
	if hasHelpFlag(args) {
		printServeHelp(os.Stdout)
		return exitOK
	}

	var configPath, listen, dbPath string
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&listen, "listen", "", "Listen address (overrides api.listen)")
	fs.StringVar(&dbPath, "db", "", "History database path (enables history)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return exitUsage
	}
	if listen != "" {
		cfg.API.Listen = listen
	}
	if dbPath != "" {
		cfg.History.Enabled = true
		cfg.History.Path = dbPath
	}
	logger := log.WithComponent("serve")

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			pid, _ := lock.ReadPID(cfg.Service.LockPath)
			fmt.Fprintf(os.Stderr, "Another courier instance is running (pid %d, lock %s)\n", pid, cfg.Service.LockPath)
			return exitUsage
		}
		fmt.Fprintf(os.Stderr, "Lock error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = pidLock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		fmt.Fprintf(os.Stderr, "Serve error: %v\n", err)
		return exitUsage
	}
	logger.Info("shutdown complete")
	return exitOK
}

// serve runs the worker and API until ctx ends.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var store api.HistoryStore
	if cfg.History.Enabled {
		hs, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer func() { _ = hs.Close() }()
		store = hs
	}

	w, err := dispatch.Init(dispatch.WithLogger(log.WithComponent("worker")))
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer w.Shutdown()

	srv := api.New(api.Config{
		Listen:       cfg.API.Listen,
		MaxTracked:   cfg.API.MaxTracked,
		FeedCapacity: cfg.API.FeedCapacity,
		MaxBatch:     cfg.API.MaxBatch,
		PollInterval: cfg.Worker.PollInterval,
		CORSOrigins:  cfg.API.CORSOrigins,
		FetchOptions: fetchOptions(cfg),
	}, w, store, log.WithComponent("api"))

	logger.Info("courier serving (press Ctrl+C to stop)",
		"listen", cfg.API.Listen, "history", cfg.History.Enabled, "config", cfg.SourcePath)
	return srv.Start(ctx)
}
