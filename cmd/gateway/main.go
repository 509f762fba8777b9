// The gateway serves streaming chat completions over a pool of inference
// backends, with per-node health tracking, failover, and an optional
// Postgres-backed semantic response cache.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inference-mesh/internal/config"
	hhttp "inference-mesh/internal/handler/http"
	"inference-mesh/internal/handler/http/requestid"
	"inference-mesh/internal/infra/db"
	"inference-mesh/internal/infra/recall"
	"inference-mesh/internal/infra/transport"
	"inference-mesh/internal/infra/worker"
	"inference-mesh/internal/mesh"
	"inference-mesh/internal/observability/logging"
	"inference-mesh/internal/observability/metrics"
	"inference-mesh/internal/observability/tracing"
	"inference-mesh/internal/resilience"
	"inference-mesh/internal/resilience/bulkhead"
)

func main() {
	logger := logging.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	nodes, err := config.LoadNodes(cfg.NodesFile)
	if err != nil {
		logger.Error("failed to load node pool", slog.Any("error", err))
		os.Exit(1)
	}

	specs, err := nodes.BuildNodeSpecs(transport.LoadConfig())
	if err != nil {
		logger.Error("failed to build node transports", slog.Any("error", err))
		os.Exit(1)
	}

	registry := buildRegistry(cfg)

	recaller, database := initRecall(logger, cfg)
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				logger.Error("failed to close database", slog.Any("error", err))
			}
		}()
	}

	pool, err := mesh.New(mesh.Config{
		Cooldown:  cfg.Mesh.Cooldown,
		Recall:    recaller,
		Telemetry: metrics.MeshRecorder{},
	}, registry, specs)
	if err != nil {
		logger.Error("failed to build mesh", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("node pool ready", slog.Int("nodes", len(specs)))

	maintenance := worker.NewMaintenance(pool, registry, database, logger)
	if err := maintenance.Start(); err != nil {
		logger.Error("failed to start maintenance scheduler", slog.Any("error", err))
		os.Exit(1)
	}
	defer maintenance.Stop()

	handler := applyMiddleware(logger, cfg, setupRoutes(logger, cfg, pool, registry, database))
	runServer(logger, cfg, handler)
}

// buildRegistry wires the shared resilience registry: one retry budget and
// idempotency cache across all nodes, plus per-name bulkhead sizing so the
// dispatch gate and the per-node limits differ.
func buildRegistry(cfg *config.GatewayConfig) *resilience.Registry {
	return resilience.NewRegistry(resilience.Config{
		RetryDefaults: mesh.NodeRetryDefaults,
		BulkheadDefaults: func(name string) bulkhead.Config {
			limit := cfg.Resilience.NodeConcurrency
			if name == "dispatch" {
				limit = cfg.Resilience.GateConcurrency
			}
			return bulkhead.Config{Name: name, MaxConcurrentCalls: limit}
		},
		BudgetWindow:   cfg.Resilience.BudgetWindow,
		BudgetPercent:  cfg.Resilience.BudgetPercent,
		IdempotencyTTL: cfg.Resilience.IdempotencyTTL,
	})
}

// initRecall builds the semantic cache layer. With a reachable database the
// cache is Postgres plus pgvector similarity; otherwise it degrades to an
// in-memory exact-match store. Recall is optional, failures here never stop
// the gateway.
func initRecall(logger *slog.Logger, cfg *config.GatewayConfig) (mesh.Recaller, *sql.DB) {
	if !cfg.Recall.Enabled {
		logger.Info("recall disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	database, err := db.Open(ctx)
	if err != nil {
		logger.Warn("recall database unavailable, using in-memory store",
			slog.Any("error", err))
		return recall.NewMemory(cfg.Recall.MemorySize), nil
	}

	if err := recall.Migrate(database); err != nil {
		logger.Warn("recall migration failed, using in-memory store",
			slog.Any("error", err))
		_ = database.Close()
		return recall.NewMemory(cfg.Recall.MemorySize), nil
	}

	var embedder recall.Embedder
	if key := os.Getenv(cfg.Recall.OpenAIKeyEnv); key != "" {
		embedder = recall.NewOpenAIEmbedder(key, "")
	} else {
		logger.Info("no embedding credential, recall limited to exact matches",
			slog.String("env", cfg.Recall.OpenAIKeyEnv))
	}

	logger.Info("recall store ready",
		slog.Bool("semantic", embedder != nil),
		slog.Float64("similarity_threshold", cfg.Recall.SimilarityThreshold))
	return recall.NewPostgres(database, embedder, cfg.Recall.SimilarityThreshold), database
}

// setupRoutes registers the gateway endpoints.
func setupRoutes(logger *slog.Logger, cfg *config.GatewayConfig, pool *mesh.Mesh, registry *resilience.Registry, database *sql.DB) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/v1/chat", &hhttp.ChatHandler{Dispatcher: pool, Logger: logger})
	mux.Handle("/v1/mesh/stats", &hhttp.StatsHandler{Mesh: pool, Registry: registry})
	mux.Handle("/v1/mesh/nodes/", &hhttp.NodeStatsHandler{Mesh: pool})
	mux.Handle("/health", &hhttp.HealthHandler{Mesh: pool, DB: database, Version: cfg.Version})
	mux.Handle("/healthz", &hhttp.HealthHandler{Mesh: pool, DB: database, Version: cfg.Version})
	mux.Handle("/metrics", hhttp.MetricsHandler())
	return mux
}

// applyMiddleware wraps the mux with the gateway middleware chain.
// Order: Recover → Request ID → Tracing → Logging → Rate Limit → Body Limit → Metrics.
func applyMiddleware(logger *slog.Logger, cfg *config.GatewayConfig, handler http.Handler) http.Handler {
	limiter := hhttp.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	return hhttp.Chain(handler,
		hhttp.Recover(logger),
		requestid.Middleware,
		tracing.Middleware,
		hhttp.Logging(logger),
		limiter.Middleware,
		hhttp.LimitRequestBody(cfg.MaxBodyBytes),
		hhttp.Instrument,
	)
}

// runServer starts the HTTP server and handles graceful shutdown.
func runServer(logger *slog.Logger, cfg *config.GatewayConfig, handler http.Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		logger.Info("gateway starting",
			slog.String("addr", cfg.Addr),
			slog.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down gateway...")

	// Cancel in-flight dispatch contexts before closing listeners.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.Any("error", err))
	}
	logger.Info("gateway stopped")
}
