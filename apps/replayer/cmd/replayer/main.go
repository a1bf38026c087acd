package main

import (
	"context"
	"net/http"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/util"

	appconfig "github.com/antinvestor/parity/apps/replayer/config"
	"github.com/antinvestor/parity/apps/replayer/service/handlers"
	"github.com/antinvestor/parity/apps/replayer/service/replay"
	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/metrics"
	"github.com/antinvestor/parity/internal/rpc"
)

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[appconfig.ReplayerConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "parity_replayer"
	}

	// Create service with Frame - no datastore, no queues
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	// ==========================================================================
	// Setup Replay Service
	// ==========================================================================

	m := metrics.New()
	opts := []replay.Option{
		replay.WithObserver(m),
		replay.WithDefaultRetries(cfg.DefaultRetries),
	}
	if cfg.TriggerCouncil {
		opts = append(opts, replay.WithTrigger(rpc.NewCouncilClient(http.DefaultClient, cfg.OrchestratorURL)))
		log.Info("council trigger enabled", "orchestrator_url", cfg.OrchestratorURL)
	}

	replayService := replay.NewService(
		comparator.NewComparator(cfg.ComparatorConfig(), nil),
		cfg.LegacyURL,
		cfg.HeadlessURL,
		opts...,
	)

	// ==========================================================================
	// Setup HTTP Server
	// ==========================================================================

	mux := http.NewServeMux()
	handlers.NewReplayHandler(replayService, cfg.MaxRequestBodyBytes).Register(mux)
	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"replayer"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"replayer"}`))
	})

	svc.Init(ctx, frame.WithHTTPHandler(mux))

	// ==========================================================================
	// Start the Service
	// ==========================================================================

	log.Info("Starting parity replayer service...",
		"legacy_url", cfg.LegacyURL,
		"headless_url", cfg.HeadlessURL,
	)
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}
