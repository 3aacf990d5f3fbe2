// Command worker drains the ingestion task queue: it polls, rate-limits
// per tenant, dispatches by task kind, and resolves failures into
// ack/retry/dead-letter, grounded on cmd/ingest/main.go's connection and
// shutdown idiom.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kgraph/ingestor/engine/dedup"
	"github.com/kgraph/ingestor/engine/graph"
	"github.com/kgraph/ingestor/engine/identity"
	"github.com/kgraph/ingestor/engine/ingest"
	"github.com/kgraph/ingestor/engine/merge"
	"github.com/kgraph/ingestor/engine/queue"
	"github.com/kgraph/ingestor/engine/ratelimit"
	"github.com/kgraph/ingestor/engine/semantic"
	"github.com/kgraph/ingestor/engine/validation"
	"github.com/kgraph/ingestor/engine/webhook"
	"github.com/kgraph/ingestor/pkg/metrics"
	"github.com/kgraph/ingestor/pkg/mid"
	"github.com/kgraph/ingestor/pkg/ollama"
)

// Config assembles everything main needs from the environment, the
// teacher's loadConfig()-in-main convention generalized to an
// env-var-driven worker instead of flag.String.
type Config struct {
	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	QdrantAddr       string
	QdrantCollection string
	EmbedDims        int

	OllamaURL   string
	OllamaModel string

	QueueURL     string
	QueueName    string
	QueueTimeout time.Duration

	NatsURL string

	MetricsPort int
	HealthPort  int

	WorkerCount  int
	BatchSize    int
	PollInterval time.Duration

	RateGlobalRPS  int
	RateTenantRPM  int
	RateSuspension time.Duration

	DeterministicIDs      bool
	DedupEnhancedNormalize bool

	PostSaveValidationEnabled bool
	PostSaveTimeout           time.Duration
	ValidationFailOnWarnings bool

	WebhookNodeAccessURL   string
	WebhookDataIngestURLs  []string
}

func loadConfig() Config {
	return Config{
		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		QdrantAddr:       envOr("QDRANT_ADDR", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "ingestor"),
		EmbedDims:        envInt("EMBED_DIMS", 768),

		OllamaURL:   envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel: envOr("OLLAMA_MODEL", "nomic-embed-text"),

		QueueURL:     envOr("QUEUE_URL", "http://localhost:8910"),
		QueueName:    envOr("QUEUE_NAME", queue.DefaultQueueName),
		QueueTimeout: envDuration("QUEUE_TIMEOUT", 30*time.Second),

		NatsURL: envOr("NATS_URL", nats.DefaultURL),

		MetricsPort: envInt("METRICS_PORT", 9091),
		HealthPort:  envInt("HEALTH_PORT", 9092),

		WorkerCount:  envInt("WORKER_COUNT", ingest.DefaultPoolConfig.WorkerCount),
		BatchSize:    envInt("BATCH_SIZE", ingest.DefaultConfig.BatchSize),
		PollInterval: envDuration("POLL_INTERVAL", ingest.DefaultConfig.PollInterval),

		RateGlobalRPS:  envInt("RATE_GLOBAL_RPS", ratelimit.DefaultOpts.GlobalRate),
		RateTenantRPM:  envInt("RATE_TENANT_RPM", ratelimit.DefaultOpts.TenantRate),
		RateSuspension: envDuration("RATE_SUSPENSION", ratelimit.DefaultOpts.Suspension),

		DeterministicIDs:       envBool("USE_DETERMINISTIC_IDS", true),
		DedupEnhancedNormalize: envBool("DEDUP_ENHANCED_NORMALIZATION", false),

		PostSaveValidationEnabled: envBool("POST_SAVE_VALIDATION_ENABLED", true),
		PostSaveTimeout:           envDuration("POST_SAVE_TIMEOUT", 0),
		ValidationFailOnWarnings: envBool("VALIDATION_FAIL_ON_WARNINGS", false),

		WebhookNodeAccessURL:  envOr("WEBHOOK_NODE_ACCESS_URL", ""),
		WebhookDataIngestURLs: envList("WEBHOOK_DATA_INGESTION_URLS"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid int env var, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
		slog.Warn("invalid bool env var, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.ServeAsync(cfg.MetricsPort)
	slog.Info("metrics server started", "port", cfg.MetricsPort)

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		slog.Error("neo4j driver init failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		slog.Error("neo4j connectivity check failed", "error", err)
		os.Exit(1)
	}
	gs := graph.New(driver)
	if err := gs.EnsureConstraints(ctx); err != nil {
		slog.Error("neo4j constraint setup failed", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to neo4j")

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := driver.VerifyConnectivity(r.Context()); err != nil {
			http.Error(w, "neo4j unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	healthHandler := mid.Chain(healthMux, mid.Recover(slog.Default()), mid.Logger(slog.Default()))
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.HealthPort), healthHandler); err != nil {
			slog.Error("health server error", "port", cfg.HealthPort, "error", err)
		}
	}()
	slog.Info("health server started", "port", cfg.HealthPort)

	vs, err := semantic.New(cfg.QdrantAddr, cfg.QdrantCollection)
	if err != nil {
		slog.Error("qdrant connect failed", "error", err)
		os.Exit(1)
	}
	defer vs.Close()
	if err := vs.EnsureCollection(ctx, cfg.EmbedDims); err != nil {
		slog.Error("qdrant ensure collection failed", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to qdrant", "collection", cfg.QdrantCollection)

	embedder := ollama.NewEmbedClient(cfg.OllamaURL, cfg.OllamaModel)

	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		slog.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	signaler := ingest.NewNatsCentralitySignaler(nc)
	slog.Info("connected to nats", "url", cfg.NatsURL)

	idCfg := identity.Config{Deterministic: cfg.DeterministicIDs, Enhanced: cfg.DedupEnhancedNormalize}

	hybrid := semantic.NewHybridSearch(gs, vs, embedder)

	hooks := validation.NewHookRegistry()
	centralityValidator := validation.NewCentralityValidator()
	var postSave *validation.PostSaveValidator
	if cfg.PostSaveValidationEnabled {
		postSave = validation.NewPostSaveValidator(gs)
	}
	orch := validation.NewOrchestrator(validation.OrchestratorConfig{
		FailOnWarnings: cfg.ValidationFailOnWarnings,
		MaxWallClock:   cfg.PostSaveTimeout,
	}, hooks, centralityValidator, postSave)

	var dispatcher *webhook.Dispatcher
	if cfg.WebhookNodeAccessURL != "" || len(cfg.WebhookDataIngestURLs) > 0 {
		dispatcher = webhook.New(webhook.Config{
			NodeAccessURL:     cfg.WebhookNodeAccessURL,
			DataIngestionURLs: cfg.WebhookDataIngestURLs,
		}, reg)
		dispatcher.Start(ctx)
		defer dispatcher.Stop()
	}

	core := &coreAdapter{graph: gs, vectors: vs, embedder: embedder, orch: orch, idCfg: idCfg, webhooks: dispatcher}
	// core itself adapts graph.Store's FindByExactName to the name
	// dedup.Resolver expects, so it doubles as the resolver's store.
	core.resolver = dedup.NewResolver(dedup.ResolverConfig{}, core, hybrid, acceptingJudge{}, idCfg)

	mergeEngine := merge.New(gs, &localCentrality{store: gs}, idCfg)

	qc := queue.New(cfg.QueueURL, cfg.QueueTimeout).WithMetrics(reg)
	if err := qc.EnsureQueue(ctx, cfg.QueueName); err != nil {
		slog.Error("queue setup failed", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(ratelimit.Opts{
		GlobalRate:   cfg.RateGlobalRPS,
		GlobalWindow: time.Second,
		TenantRate:   cfg.RateTenantRPM,
		TenantWindow: time.Minute,
		Suspension:   cfg.RateSuspension,
		Registry:     reg,
	})

	poolCfg := ingest.PoolConfig{
		WorkerCount: cfg.WorkerCount,
		WorkerConfig: ingest.Config{
			ID:           "worker",
			QueueName:    cfg.QueueName,
			DLQName:      queue.DLQName(cfg.QueueName),
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
		},
	}
	poolMetrics := ingest.NewMetrics(reg)
	pool := ingest.NewPool(poolCfg, qc, limiter, core, gs, mergeEngine, signaler, poolMetrics)

	pool.Start(ctx)
	slog.Info("worker pool running", "workers", cfg.WorkerCount, "queue", cfg.QueueName)

	<-ctx.Done()
	slog.Info("shutdown signal received")
	pool.Stop()
	snap := pool.Metrics()
	slog.Info("final metrics", "polled", snap.Polled, "completed", snap.Completed, "failed", snap.Failed, "retried", snap.Retried, "success_rate", snap.SuccessRate)
}
