package arbiter

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/arbiterhq/arbiter/internal/assignment"
	"github.com/arbiterhq/arbiter/internal/bandit"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/constitutional"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/judge"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/queue"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/router"
	"github.com/arbiterhq/arbiter/internal/security"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/store/mongo"
	"github.com/arbiterhq/arbiter/internal/store/postgres"
	"github.com/arbiterhq/arbiter/internal/store/rediscache"
	"github.com/arbiterhq/arbiter/internal/violation"
	"github.com/arbiterhq/arbiter/internal/waiver"
)

// Run wires every component from environment configuration and serves the
// status/metrics HTTP surface until SIGINT/SIGTERM. It is the process
// entrypoint called by cmd/arbiter.
func Run() {
	log.Println("Starting arbiter orchestrator...")

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Orchestrator.EnableTracing {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	bus := events.NewBus()

	var metrics *Metrics
	promReg := prometheus.NewRegistry()
	if cfg.Orchestrator.EnableMetrics {
		metrics = NewMetrics(promReg)
	}

	// Persistence is optional: with no database configured the registry and
	// audit trail are process-local.
	var agentStore store.AgentRepository
	var auditSink constitutional.AuditSink
	var db *sql.DB
	if cfg.Database.Host != "" || cfg.Database.URL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Database.ConnectionString())
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.PoolMax)
		db.SetMaxIdleConns(cfg.Database.PoolMin)
		db.SetConnMaxIdleTime(cfg.Database.IdleTimeout)
		defer db.Close()

		schemaCtx, c := context.WithTimeout(ctx, cfg.Database.ConnectionTimeout)
		if err := postgres.EnsureSchema(schemaCtx, db); err != nil {
			log.Printf("schema setup failed, persistence degraded: %v", err)
		}
		c()

		agentStore = postgres.NewAgentRepository(db)
		auditSink = newAuditBridge(postgres.NewAuditRepository(db))
	}

	// The document-oriented audit sink wins over Postgres when configured.
	if uri := os.Getenv("MONGODB_URL"); uri != "" {
		repo, err := mongo.Connect(ctx, uri, getEnvDefault("MONGODB_DATABASE", "arbiter"))
		if err != nil {
			log.Printf("mongodb audit sink unavailable: %v", err)
		} else {
			auditSink = newAuditBridge(repo)
			defer repo.Close(context.Background())
		}
	}

	reg := registry.New(registry.Config{
		MaxAgents:             cfg.Registry.MaxAgents,
		MaxConcurrentPerAgent: 10,
		StaleAgentThreshold:   cfg.Registry.StaleAgentThreshold,
		CleanupInterval:       cfg.Registry.CleanupInterval,
	}, bus)
	tracker := registry.NewTracker(reg, bus, 512)
	q := queue.New(queue.DefaultConfig(), bus, nil)
	selector := bandit.NewSelector(bandit.DefaultConfig())
	rt := router.New(router.DefaultConfig(), reg, selector, bus)
	asn := assignment.New(assignment.DefaultConfig(), bus)
	wm := waiver.New(waiver.DefaultConfig(), bus)
	wm.StartCleanup(ctx)

	var policies []policy.Policy
	if path := os.Getenv("POLICY_FILE"); path != "" {
		pf, err := config.LoadPolicyFile(path)
		if err != nil {
			log.Fatalf("load policy file: %v", err)
		}
		policies = pf.Policies()
	}
	// A shared Redis instance rate-limits alert fan-out across replicas;
	// without one, notifications flow unthrottled.
	var limiter *rediscache.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		var err error
		limiter, err = rediscache.Connect(ctx, redisURL)
		if err != nil {
			log.Printf("redis unavailable, notification rate limiting disabled: %v", err)
		} else {
			defer limiter.Close()
		}
	}
	notifier := NewNotifier(limiter, 60)

	engine := policy.NewEngine(policies)
	handler := violation.New(violation.Config{ActionTimeout: cfg.Constitutional.ViolationResponseTimeout}, notifier, bus)
	constRT := constitutional.New(constitutional.Config{
		Enabled:                   cfg.Constitutional.Enabled,
		StrictMode:                cfg.Constitutional.StrictMode,
		AuditEnabled:              cfg.Constitutional.AuditEnabled,
		ViolationResponseTimeout:  cfg.Constitutional.ViolationResponseTimeout,
		MaxViolationsPerOperation: cfg.Constitutional.MaxViolationsPerOperation,
	}, engine, handler, wm, auditSink, bus)

	var validator security.Validator
	if secret := os.Getenv("AUTH_JWT_SECRET"); secret != "" {
		validator = security.NewJWTValidator([]byte(secret))
	}

	var verdictJudge judge.Judge
	if region := os.Getenv("BEDROCK_REGION"); region != "" {
		j, err := judge.NewBedrockJudge(ctx, region, getEnvDefault("JUDGE_MODEL_ID", "anthropic.claude-3-sonnet-20240229-v1:0"))
		if err != nil {
			log.Printf("bedrock judge unavailable, outcomes recorded unscored: %v", err)
		} else {
			verdictJudge = j
		}
	}

	orch := New(Config{
		MaxConcurrentTasks: cfg.Orchestrator.MaxConcurrentTasks,
		TaskTimeout:        cfg.Orchestrator.TaskTimeout,
		DispatchInterval:   100 * time.Millisecond,
	}, Deps{
		Registry:       reg,
		Tracker:        tracker,
		Queue:          q,
		Router:         rt,
		Assignments:    asn,
		Constitutional: constRT,
		Validator:      validator,
		AgentStore:     agentStore,
		Notifier:       notifier,
		Judge:          verdictJudge,
		Bus:            bus,
		Metrics:        metrics,
	})

	go orch.Run(ctx)

	handlerChain := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(newHTTPAPI(orch, promReg))

	port := getEnvDefault("PORT", "8080")
	srv := &http.Server{Addr: ":" + port, Handler: handlerChain}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("shutting down arbiter orchestrator...")
		cancel()
		shutdownCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("arbiter orchestrator listening on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// promHandler builds the /metrics handler for one registry.
func promHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
