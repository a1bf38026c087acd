package main

import (
	"context"
	"net/http"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/util"

	appconfig "github.com/antinvestor/parity/apps/orchestrator/config"
	"github.com/antinvestor/parity/apps/orchestrator/middleware"
	"github.com/antinvestor/parity/apps/orchestrator/service/council"
	"github.com/antinvestor/parity/apps/orchestrator/service/handlers"
	"github.com/antinvestor/parity/apps/orchestrator/service/queue"
	"github.com/antinvestor/parity/apps/orchestrator/service/repository"
	"github.com/antinvestor/parity/internal/inflight"
	"github.com/antinvestor/parity/internal/llm"
	"github.com/antinvestor/parity/internal/metrics"
	"github.com/antinvestor/parity/internal/rpc"
)

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[appconfig.OrchestratorConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "parity_orchestrator"
	}

	serviceOpts := []frame.Option{frame.WithConfig(&cfg)}
	if !cfg.UseMemoryStore {
		serviceOpts = append(serviceOpts, frame.WithDatastore())
	}

	ctx, svc := frame.NewServiceWithContext(ctx, serviceOpts...)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	// ==========================================================================
	// Setup Stores
	// ==========================================================================

	var (
		records council.RecordStore
		logs    council.ReliabilityLogStore
	)
	if cfg.UseMemoryStore {
		log.Warn("using in-memory record store, records will not survive a restart")
		records = repository.NewMemoryRecordStore()
		logs = repository.NewMemoryReliabilityLogStore()
	} else {
		dbPool := svc.DatastoreManager().GetPool(ctx, datastore.DefaultPoolName)
		if cfg.DoDatabaseMigrate() {
			if err = repository.Migrate(ctx, dbPool); err != nil {
				log.WithError(err).Fatal("could not migrate")
			}
			return
		}
		records = repository.NewRecordStore(dbPool)
		logs = repository.NewReliabilityLogStore(dbPool)
	}

	// ==========================================================================
	// Setup Model Providers
	// ==========================================================================

	specs, err := llm.ParseProviderSpecs(cfg.ProviderSpecs)
	if err != nil {
		log.WithError(err).Fatal("could not parse provider specs")
	}
	backends, err := llm.BuildBackends(ctx, specs, cfg.Credentials(), cfg.ClientConfig())
	if err != nil {
		log.WithError(err).Fatal("could not build model backends")
	}

	m := metrics.New()
	registry := llm.NewRegistry(llm.ProvidersOf(backends)...)
	m.SyncHealth(registry.Snapshot())

	invoker := llm.NewModelInvoker(cfg.InvocationTimeout, backends...)
	failover := llm.NewFailover(
		registry,
		cfg.FailoverPolicy(),
		m.AttemptObserver(registry),
		council.NewReliabilityObserver(logs),
	)

	pipeline, err := council.NewPipeline(invoker, failover, records,
		council.WithRunObserver(m),
		council.WithMaxTokens(cfg.MaxOutputTokens),
		council.WithRegressionRatio(cfg.RegressionRatio),
	)
	if err != nil {
		log.WithError(err).Fatal("could not create council pipeline")
	}

	log.Info("council providers configured",
		"providers", registry.Providers(),
		"max_retries", cfg.FailoverPolicy().MaxRetries,
		"worst_case_stage_latency", cfg.WorstCaseStageLatency().String(),
	)

	// ==========================================================================
	// Setup Submission Service
	// ==========================================================================

	claims, err := inflight.New(ctx, cfg.ClaimsConfig())
	if err != nil {
		log.WithError(err).Fatal("could not create in-flight claims")
	}
	defer util.CloseAndLogOnError(ctx, claims, "failed to close in-flight claims")

	dispatcher := queue.NewDispatcher(queue.NewManagerPublisher(svc.QueueManager()), cfg.QueueAnalysisName)
	councilService := council.NewService(records, claims, dispatcher, pipeline,
		council.WithClaimTTL(cfg.InFlightClaimTTL),
	)

	// ==========================================================================
	// Register Publishers and Subscribers
	// ==========================================================================

	analysisPublisher := frame.WithRegisterPublisher(
		cfg.QueueAnalysisName,
		cfg.QueueAnalysisURI,
	)

	analysisSubscriber := frame.WithRegisterSubscriber(
		cfg.QueueAnalysisName,
		cfg.QueueAnalysisURI,
		queue.NewAnalysisHandler(councilService),
	)

	// ==========================================================================
	// Setup HTTP Server
	// ==========================================================================

	limiter := middleware.NewRateLimiter(
		cfg.RateLimitRequestsPerMinute,
		cfg.RateLimitBurstSize,
		middleware.WithRejectHook(m.ObserveRateLimited),
	)
	defer limiter.Stop()

	var guardMitigate func(http.Handler) http.Handler
	if cfg.RequireMitigationAuth {
		authenticator := svc.SecurityManager().GetAuthenticator(ctx)
		guardMitigate = middleware.NewAuthMiddleware(authenticator, cfg.AuthRealm).Require
	}

	councilHandler := handlers.NewCouncilHandler(councilService, registry, logs,
		handlers.WithMaxBodyBytes(cfg.MaxRequestBodyBytes),
		handlers.WithPollInterval(cfg.StatusPollInterval),
	)

	apiMux := http.NewServeMux()
	councilHandler.Register(apiMux, guardMitigate)

	mux := http.NewServeMux()
	mux.Handle("/api/", limiter.Middleware(apiMux))

	rpcPath, rpcHandler := rpc.NewCouncilServiceHandler(handlers.NewRPCHandler(councilService))
	mux.Handle(rpcPath, rpcHandler)

	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"orchestrator"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hcErr := claims.HealthCheck(r.Context()); hcErr != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable","service":"orchestrator"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"orchestrator"}`))
	})

	// ==========================================================================
	// Initialize Service
	// ==========================================================================

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),
		analysisPublisher,
		analysisSubscriber,
	}

	svc.Init(ctx, serviceOptions...)

	// ==========================================================================
	// Start the Service
	// ==========================================================================

	log.Info("Starting parity orchestrator service...")
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}
