// Command trellisd is the Trellis server daemon. It opens the graph
// store, wires the coordination services, and serves the REST API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/trellis/checkpoint"
	"github.com/GoCodeAlone/trellis/config"
	"github.com/GoCodeAlone/trellis/cursor"
	"github.com/GoCodeAlone/trellis/escalation"
	"github.com/GoCodeAlone/trellis/events"
	"github.com/GoCodeAlone/trellis/graph"
	"github.com/GoCodeAlone/trellis/hierarchy"
	"github.com/GoCodeAlone/trellis/internal/version"
	"github.com/GoCodeAlone/trellis/server"
)

var configPath = flag.String("config", "", "path to YAML config file")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting trellisd",
		"version", version.Version,
		"commit", version.Commit,
	)

	store, err := graph.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open graph store %s: %v", cfg.Storage.Path, err)
	}
	defer store.Close()

	bus := events.NewInMemoryBus()

	srv := server.New(*cfg, version.Version, logger)
	srv.SetBus(bus)
	srv.SetSynchronizer(hierarchy.NewSynchronizer(store, bus, logger))
	srv.SetCursorTracker(cursor.NewTracker(store, bus, logger))
	srv.SetCheckpointStore(checkpoint.NewStore(store, bus, logger))
	srv.SetEscalationWorkflow(escalation.NewWorkflow(store, bus, logger))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	logger.Info("shutdown complete")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
