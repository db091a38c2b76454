// Command scenesmith runs the scene-generation orchestrator: an HTTP API
// accepting generation tasks, a multi-agent pipeline executing them with
// checkpointed recovery, and live progress streams for subscribers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scenesmith/scenesmith/pkg/agent"
	"github.com/scenesmith/scenesmith/pkg/api"
	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/bus"
	"github.com/scenesmith/scenesmith/pkg/checkpoint"
	"github.com/scenesmith/scenesmith/pkg/config"
	"github.com/scenesmith/scenesmith/pkg/events"
	"github.com/scenesmith/scenesmith/pkg/logging"
	"github.com/scenesmith/scenesmith/pkg/orchestrator"
	"github.com/scenesmith/scenesmith/pkg/storage"
	"github.com/scenesmith/scenesmith/pkg/task"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "scenesmith: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (default ./scenesmith.yaml if present)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogDir())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	store, err := storage.New(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	tasks := task.NewSQLiteStore(store.DB())
	artifacts := artifact.NewSQLiteStore(store.DB())

	messageBus, err := newBus(cfg)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	defer messageBus.Close()

	publisher := events.NewBusPublisher(messageBus, logger)
	defer publisher.Close()

	registry := agent.NewDefaultRegistry(nil, nil)

	orch := orchestrator.New(orchestrator.Config{
		Retry: checkpoint.RetryStrategy{
			MaxRetries: cfg.RetryPolicy.MaxRetries,
			BaseDelay:  cfg.RetryPolicy.InitialBackoff,
			MaxDelay:   cfg.RetryPolicy.MaxBackoff,
			Multiplier: cfg.RetryPolicy.Multiplier,
		},
		StepTimeout:    cfg.Pipeline.StepTimeout,
		TaskTimeout:    cfg.Pipeline.TaskTimeout,
		MaxFixAttempts: cfg.Pipeline.MaxFixAttempts,
	}, tasks, artifacts, registry, publisher, logger)
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Crash recovery: anything left mid-flight by a previous process
	// resumes from its checkpoint.
	resumed, err := orch.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume tasks: %w", err)
	}
	if resumed > 0 {
		logger.Info(logging.CategoryOrchestrator, "tasks_resumed", "",
			fmt.Sprintf("resumed %d interrupted task(s)", resumed), nil)
	}

	server := api.NewServer(api.ServerConfig{
		Addr:         cfg.Server.Addr,
		Orchestrator: orch,
		Tasks:        tasks,
		Artifacts:    artifacts,
		Bus:          messageBus,
		Logger:       logger,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(logging.CategoryAPI, "server_started", "", "listening on "+cfg.Server.Addr, nil)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return runReaper(ctx, orch, cfg, logger)
	})

	return g.Wait()
}

// runReaper periodically fails tasks whose executions died without
// transitioning them out of working.
func runReaper(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, logger *logging.Logger) error {
	ticker := time.NewTicker(cfg.Pipeline.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reaped, err := orch.ReapStale(ctx, cfg.Pipeline.StaleThreshold)
			if err != nil {
				logger.Warn(logging.CategoryOrchestrator, "reap_failed", "", err.Error(), nil)
				continue
			}
			if reaped > 0 {
				logger.Info(logging.CategoryOrchestrator, "tasks_reaped", "",
					fmt.Sprintf("failed %d stale task(s)", reaped), nil)
			}
		}
	}
}

func newBus(cfg *config.Config) (bus.MessageBus, error) {
	if cfg.Bus.NATSURL == "" {
		return bus.NewMemoryBus(), nil
	}
	return bus.NewNATSBus(bus.Config{
		URL:  cfg.Bus.NATSURL,
		Name: "scenesmith",
	})
}
