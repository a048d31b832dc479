package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/polymicro/testlab/pkg/config"
	"github.com/polymicro/testlab/pkg/container"
	"github.com/polymicro/testlab/pkg/discovery"
	"github.com/polymicro/testlab/pkg/orchestrator"
	"github.com/polymicro/testlab/pkg/runstore"
	"github.com/polymicro/testlab/pkg/store"
	"github.com/polymicro/testlab/pkg/upload"
)

// app bundles the wired components behind every command.
type app struct {
	cfg          *config.Config
	store        store.Store
	runs         runstore.Store
	runtime      container.Runtime
	orchestrator orchestrator.Orchestrator
	discovery    discovery.Engine
}

// buildApp loads configuration and wires all components. The returned stop
// func tears them down in reverse start order.
func buildApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validating config: %w", err)
	}

	db := store.NewStore(log, &cfg.Database)
	if err := db.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("starting store: %w", err)
	}

	runs := runstore.NewStore(log, cfg.Results.Dir, db)
	if err := runs.Start(ctx); err != nil {
		_ = db.Stop()

		return nil, nil, fmt.Errorf("starting run store: %w", err)
	}

	var runtime container.Runtime

	switch cfg.Runtime.Engine {
	case "podman":
		runtime, err = container.NewPodmanRuntime(log, cfg.Runtime.PodmanSocket)
	default:
		runtime, err = container.NewDockerRuntime(log)
	}

	if err != nil {
		_ = db.Stop()

		return nil, nil, fmt.Errorf("creating container runtime: %w", err)
	}

	if err := runtime.Start(ctx); err != nil {
		_ = db.Stop()

		return nil, nil, fmt.Errorf("starting container runtime: %w", err)
	}

	var uploader upload.Uploader
	if cfg.Upload != nil && cfg.Upload.S3 != nil && cfg.Upload.S3.Enabled {
		uploader, err = upload.NewS3Uploader(log, cfg.Upload.S3)
		if err != nil {
			_ = runtime.Stop()
			_ = db.Stop()

			return nil, nil, fmt.Errorf("creating uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			_ = runtime.Stop()
			_ = db.Stop()

			return nil, nil, fmt.Errorf("upload preflight: %w", err)
		}
	}

	orch := orchestrator.NewOrchestrator(
		log, &cfg.Runtime, &cfg.Metrics, runtime, runs, db, uploader,
	)

	engine := discovery.NewEngine(log, &cfg.Discovery, cfg.Results.TestsCacheDir, db, db)

	stop := func() {
		if err := runtime.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop container runtime")
		}

		if err := runs.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop run store")
		}

		if err := db.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}

	return &app{
		cfg:          cfg,
		store:        db,
		runs:         runs,
		runtime:      runtime,
		orchestrator: orch,
		discovery:    engine,
	}, stop, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	return ctx, cancel
}
