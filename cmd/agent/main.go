// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// The agent is the Tabscope background process: it ingests browser tab
// signals, samples engagement, aggregates visits, and syncs the results to
// the configured backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tabscope/tabscope/internal/aggregate"
	"github.com/tabscope/tabscope/internal/api"
	"github.com/tabscope/tabscope/internal/config"
	"github.com/tabscope/tabscope/internal/eventlog"
	"github.com/tabscope/tabscope/internal/heartbeat"
	"github.com/tabscope/tabscope/internal/intake"
	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/metadata"
	"github.com/tabscope/tabscope/internal/store"
	"github.com/tabscope/tabscope/internal/supervisor"
	"github.com/tabscope/tabscope/internal/syncer"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tabscope:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to config file (overrides "+config.ConfigPathEnvVar+")")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("tabscope", Version)
		return nil
	}
	if *configPath != "" {
		if err := os.Setenv(config.ConfigPathEnvVar, *configPath); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", Version).Msg("Tabscope agent starting")
	cfg.LogSummary()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := eventlog.Open(eventlog.Options{
		Path:       cfg.EventLog.Path,
		SyncWrites: cfg.EventLog.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = log.Close() }()

	st, err := store.Open(store.Options{
		Path:       cfg.Store.Path,
		SyncWrites: cfg.Store.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	clientID, err := st.GetOrCreateClientID(ctx)
	if err != nil {
		return fmt.Errorf("client id: %w", err)
	}
	logging.Info().Str("client_id", clientID).Msg("Anonymous client identity ready")

	bus := intake.NewBus(cfg.Intake)
	defer func() { _ = bus.Close() }()
	router, err := intake.NewRouter(cfg.Intake, bus, log)
	if err != nil {
		return fmt.Errorf("intake router: %w", err)
	}

	tracker := heartbeat.NewStateTracker(cfg.Heartbeat.IdleThreshold)
	sampler := heartbeat.NewSampler(cfg.Heartbeat, tracker, tracker, bus, st)
	// Hold the first sample until the router's handlers are subscribed, or
	// the startup heartbeat would be published into the void.
	sampler.GateOn(router.Running())

	metaCache := metadata.NewCacheProvider()
	aggregator := aggregate.New(log, st, metaCache, cfg.Heartbeat.Interval, clientID)

	manager := syncer.NewManager(cfg.Sync, st, aggregator, syncer.NewAPIClient(cfg.Sync), clientID)
	if !manager.Enabled() {
		logging.Info().Msg("No sync endpoint configured, records stay local")
	}

	root := supervisor.New("tabscope")

	data := supervisor.New("data")
	data.Add(eventlog.NewCompactor(log, cfg.EventLog.MaxEventAge, cfg.EventLog.CompactInterval))
	root.Add(data)

	pipeline := supervisor.New("pipeline")
	pipeline.Add(router)
	pipeline.Add(sampler)
	pipeline.Add(supervisor.NewTicker("aggregation", cfg.Aggregation.Interval, func(ctx context.Context) error {
		res := aggregator.ProcessPending(ctx)
		if !res.Success {
			return fmt.Errorf("aggregation pass failed with %d errors", len(res.Errors))
		}
		return nil
	}))
	pipeline.Add(supervisor.NewTicker("heartbeat-watchdog", cfg.Heartbeat.Interval, func(ctx context.Context) error {
		sampler.EnsureRunning(ctx)
		return nil
	}))
	if manager.Enabled() {
		pipeline.Add(supervisor.NewTicker("sync", cfg.Sync.Interval, func(ctx context.Context) error {
			res := manager.SyncToBackend(ctx, false)
			if res.Skipped {
				return nil
			}
			return res.Err
		}))
		pipeline.Add(supervisor.NewTicker("cleanup", cfg.Sync.CleanupInterval, func(ctx context.Context) error {
			_, err := manager.Cleanup(ctx)
			return err
		}))
	}
	root.Add(pipeline)

	if cfg.Server.Enabled {
		apiSup := supervisor.New("api")
		apiSup.Add(api.NewServerWithIngest(cfg.Server,
			api.Sources{
				EventLog:    log.Stats,
				Heartbeat:   sampler.Stats,
				Aggregation: aggregator.LastResult,
				SyncState:   st.GetSyncState,
			},
			api.Ingest{
				Publish:  bus.Publish,
				Tracker:  tracker,
				Metadata: metaCache,
			},
		))
		root.Add(apiSup)
	}

	err = root.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("Tabscope agent stopped")
	return nil
}
