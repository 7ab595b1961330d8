// Command server runs the policy-enforcing process orchestrator: the event
// loop, the REST surface, the Redis event listener, and the decision-trace
// websocket stream, wired against Postgres-backed repositories.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/flowcore/orchestrator/internal/application/observer"
	"github.com/flowcore/orchestrator/internal/application/seed"
	"github.com/flowcore/orchestrator/internal/application/trigger"
	"github.com/flowcore/orchestrator/internal/config"
	"github.com/flowcore/orchestrator/internal/infrastructure/api/rest"
	"github.com/flowcore/orchestrator/internal/infrastructure/cache"
	"github.com/flowcore/orchestrator/internal/infrastructure/logger"
	"github.com/flowcore/orchestrator/internal/infrastructure/storage"
	"github.com/flowcore/orchestrator/internal/infrastructure/tracing"
	"github.com/flowcore/orchestrator/internal/orchestrator/action"
	orchcontext "github.com/flowcore/orchestrator/internal/orchestrator/context"
	"github.com/flowcore/orchestrator/internal/orchestrator/cycle"
	"github.com/flowcore/orchestrator/internal/orchestrator/decide"
	"github.com/flowcore/orchestrator/internal/orchestrator/evaluate"
	"github.com/flowcore/orchestrator/internal/orchestrator/expression"
	"github.com/flowcore/orchestrator/internal/orchestrator/govern"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
	"github.com/flowcore/orchestrator/internal/orchestrator/process"
	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
	"github.com/flowcore/orchestrator/pkg/executor"
	"github.com/flowcore/orchestrator/pkg/executor/builtin"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Logging)
	logger.SetDefault(log)
	slogger := log.Slog()

	if !cfg.Orchestrator.Enabled {
		return fmt.Errorf("orchestrator is disabled by configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry (optional, env-driven).
	otelProvider, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:     cfg.Orchestrator.TracingEnabled && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		ServiceName: "flowcore-orchestrator",
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    true,
		SampleRate:  1.0,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Postgres via bun.
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.URL)))
	sqldb.SetMaxOpenConns(cfg.Database.MaxConnections)
	sqldb.SetMaxIdleConns(cfg.Database.MinConnections)
	sqldb.SetConnMaxIdleTime(cfg.Database.MaxIdleTime)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxConnLifetime)
	db := bun.NewDB(sqldb, pgdialect.New())
	if cfg.Logging.Level == "debug" {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := storage.CreateSchema(ctx, db); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Redis: idempotency store plus the pub/sub event transport.
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisCache.Close()

	// Repositories.
	graphRepo := storage.NewGraphRepository(db)
	if dir := cfg.Orchestrator.SeedGraphsDir; dir != "" {
		parser := expression.NewExprEvaluator(cfg.Orchestrator.GuardCacheCapacity)
		loaded, err := seed.LoadDir(ctx, dir, graphRepo, parser.DryParse)
		if err != nil {
			return fmt.Errorf("seed graphs: %w", err)
		}
		log.Info("seeded process graphs", "dir", dir, "count", loaded)
	}
	instanceRepo := storage.NewInstanceRepository(db)
	obligationRepo := storage.NewObligationRepository(db)
	traceRepo := storage.NewTraceRepository(db)

	// Decision tracer, optionally fanned out to websocket subscribers.
	var traceSink trace.Repository
	if cfg.Orchestrator.PersistTraces {
		traceSink = traceRepo
	}
	var wsHub *observer.WebSocketHub
	if cfg.Observer.EnableWebSocket {
		wsHub = observer.NewWebSocketHub(slogger)
		traceSink = observer.NewWebSocketObserver(traceSink, wsHub, observer.WithWebSocketLogger(slogger))
	}
	traceLogger := slogger
	if !cfg.Orchestrator.TracingEnabled {
		traceLogger = nil
	}
	tracer := trace.NewTracer(traceSink, uuid.NewString, traceLogger, cfg.Orchestrator.TraceRetention)

	// Evaluation pipeline.
	exprEval := expression.NewExprEvaluator(cfg.Orchestrator.GuardCacheCapacity)
	eligibility := evaluate.NewEligibilityEvaluator(
		evaluate.NewNodeEvaluator(exprEval, nil, nil),
		evaluate.NewEdgeEvaluator(exprEval),
	)
	decider := decide.NewDecider(cfg.Orchestrator.MaxParallelPerStep)

	// Governance.
	var idemStore govern.IdempotencyStore
	if cfg.Orchestrator.UseRedisIdempotency {
		idemStore = govern.NewRedisIdempotencyStore(redisCache.Client(), "")
	} else {
		idemStore = govern.NewInMemoryIdempotencyStore()
	}
	var principals govern.PrincipalResolver
	if cfg.Orchestrator.JWTSigningKey != "" {
		principals = govern.NewJWTPrincipalResolver([]byte(cfg.Orchestrator.JWTSigningKey))
	}
	governor := govern.NewGovernor(idemStore, principals, nil, cfg.Orchestrator.IdempotencyTTL)
	governor.DisableIdempotency = !cfg.Orchestrator.IdempotencyEnabled
	governor.DisableAuthorization = !cfg.Orchestrator.AuthorizationEnabled
	governor.DisablePolicyGate = !cfg.Orchestrator.PolicyGateEnabled

	// Action handlers.
	manager := executor.NewManager()
	builtin.MustRegisterBuiltins(manager)
	actions := action.NewRegistry(manager)

	// Runtime-context assembly per cycle.
	buildContext := func(ctx context.Context, inst *instance.ProcessInstance, _ *graph.ProcessGraph, triggeringEvent *orchcontext.EventRecord) (*orchcontext.RuntimeContext, error) {
		nodeOutputs := make(map[string]map[string]any)
		for _, h := range inst.History() {
			if h.Status == instance.NodeStatusCompleted && h.Output != nil {
				nodeOutputs[h.NodeID] = h.Output
			}
		}

		var obligations []orchcontext.Obligation
		rows, err := obligationRepo.ForInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		for _, ob := range rows {
			obligations = append(obligations, orchcontext.Obligation{
				ID:       ob.ID,
				Kind:     ob.Kind,
				DueAt:    ob.DueAt,
				NodeID:   ob.NodeID,
				Metadata: ob.Metadata,
			})
		}

		return orchcontext.NewAssembler().Assemble(
			inst.CorrelationID, "", nil,
			inst.DomainPayload(), nodeOutputs,
			map[string]any{"systemState": "NORMAL"},
			obligations, nil, triggeringEvent,
		), nil
	}

	// The retry signal closes over the scheduler, which is created after the
	// cycle engine; the variable is bound before any cycle runs.
	var scheduler *process.Orchestrator
	onRetry := func(instanceID, nodeID string, attempt int) {
		scheduler.Signal(process.Event{
			Type:       process.EventNodeFailed,
			InstanceID: instanceID,
			Payload:    map[string]any{"nodeId": nodeID, "retryCount": attempt, "retryable": true},
			OccurredAt: time.Now(),
		})
	}

	cycleEng := cycle.New(buildContext, eligibility, decider, governor, actions, tracer, uuid.NewString, onRetry)

	scheduler = process.New(
		process.Config{
			QueueCapacity:        cfg.Orchestrator.QueueCapacity,
			EvaluationInterval:   cfg.Orchestrator.EvaluationInterval,
			OverflowPolicy:       process.OverflowPolicy(cfg.Orchestrator.OverflowPolicy),
			OverflowBlockTimeout: cfg.Orchestrator.OverflowBlockTimeout,
		},
		cycleEng,
		storage.NewSchedulerInstanceAdapter(instanceRepo, obligationRepo),
		storage.NewSchedulerGraphAdapter(graphRepo),
		slogger,
	)
	scheduler.SetTracer(tracer)

	go scheduler.Run(ctx)
	defer scheduler.Stop()

	// Redis pub/sub event ingestion.
	listener := trigger.NewEventListener(trigger.EventListenerConfig{
		Cache:    redisCache,
		Signaler: scheduler,
		Logger:   slogger,
	})
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("start event listener: %w", err)
	}
	defer listener.Stop()

	// Trace retention pruning.
	maintenance, err := trigger.NewMaintenanceScheduler(trigger.MaintenanceSchedulerConfig{
		Pruner:    tracer,
		Retention: cfg.Orchestrator.TraceRetention,
		Logger:    slogger,
	})
	if err != nil {
		return fmt.Errorf("init maintenance scheduler: %w", err)
	}
	maintenance.Start()
	defer maintenance.Stop()

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := rest.NewHandlers(scheduler, graphRepo, traceRepo, exprEval)
	routerCfg := rest.RouterConfig{Logger: log, MaxBodySize: 4 << 20, APIKeys: cfg.Server.APIKeys}
	if otelProvider != nil {
		routerCfg.TracingServiceName = "flowcore-orchestrator"
	}
	router := rest.NewRouter(handlers, routerCfg)

	if wsHub != nil {
		wsHandler := observer.NewWebSocketHandler(wsHub, slogger)
		router.GET("/ws/traces", gin.WrapH(wsHandler))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if otelProvider != nil {
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown", "error", err)
		}
	}
	return nil
}
