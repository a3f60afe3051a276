package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/loopworks/cadence/internal/chronicle"
	"github.com/loopworks/cadence/internal/clients"
	"github.com/loopworks/cadence/internal/config"
	"github.com/loopworks/cadence/internal/events"
	"github.com/loopworks/cadence/internal/k8scron"
	"github.com/loopworks/cadence/internal/model"
	"github.com/loopworks/cadence/internal/server"
	"github.com/loopworks/cadence/internal/service/decision"
	"github.com/loopworks/cadence/internal/service/embedding"
	"github.com/loopworks/cadence/internal/service/executor"
	"github.com/loopworks/cadence/internal/service/memory"
	"github.com/loopworks/cadence/internal/service/patterns"
	"github.com/loopworks/cadence/internal/service/strategy"
	"github.com/loopworks/cadence/internal/storage"
	"github.com/loopworks/cadence/internal/telemetry"
	"github.com/loopworks/cadence/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CADENCE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("cadence starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Primary pool: episodes, strategies, working task state.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.MinConnections, cfg.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		slog.Warn("migrations failed", "error", err)
	}

	// Chronicle pool: longitudinal analytics and decision-audit notes.
	// Defaults to the primary database when no separate DSN is set.
	chronicleURL := cfg.ChronicleURL
	if chronicleURL == "" {
		chronicleURL = cfg.DatabaseURL
	}
	chron, err := chronicle.New(ctx, chronicleURL, cfg.MinConnections, cfg.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("chronicle: %w", err)
	}
	defer chron.Close()

	// Redis event stream.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Downstream service clients, one breaker per service.
	bc := clients.BreakerConfig{
		ErrorRatio:    cfg.BreakerErrorRatio,
		MonitorWindow: cfg.BreakerMonitorWindow,
		BrokenTime:    cfg.BreakerBrokenTime,
	}
	projectClient := clients.NewProjectClient(cfg.ProjectServiceURL, cfg.RequestTimeout, bc, logger)
	backlogClient := clients.NewBacklogClient(cfg.BacklogServiceURL, cfg.RequestTimeout, bc, logger)
	sprintClient := clients.NewSprintClient(cfg.SprintServiceURL, cfg.RequestTimeout, bc, logger)
	chronicleClient := clients.NewChronicleClient(cfg.ChronicleServiceURL, cfg.RequestTimeout, bc, logger)
	embedder := embedding.NewClient(cfg.EmbeddingServiceURL, cfg.EmbeddingModel,
		cfg.EmbeddingDimensions, cfg.RequestTimeout, bc, logger)

	// Kubernetes control plane for daily-scrum CronJobs.
	cronManager, err := newCronManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("kubernetes: %w", err)
	}

	// Memory path: retrieval, translation, asynchronous logging.
	retriever := memory.NewRetriever(db, embedder, memory.RetrieverConfig{
		CacheSize: cfg.RetrieverCacheSize,
		CacheTTL:  cfg.RetrieverCacheTTL,
		Timeout:   cfg.RetrieverTimeout,
	}, logger)
	bridge := memory.NewBridge(memory.DefaultBridgeConfig(), logger)
	episodeLogger := memory.NewEpisodeLogger(db, embedder, memory.LoggerConfig{
		QueueSize: cfg.EpisodeQueueSize,
	}, logger)
	go episodeLogger.Run(ctx)

	// Pattern path: Chronicle analysis and fusion.
	analyzer := patterns.NewAnalyzer(chron, patterns.AnalyzerConfig{
		MinSimilarity:      cfg.MinSimilarity,
		MaxSimilarProjects: 5,
		CacheTTL:           30 * time.Minute,
	}, logger)
	combiner := patterns.NewCombiner(patterns.DefaultCombinerConfig(), logger)

	// Decision path.
	perceiver := decision.NewPerceiver(projectClient, backlogClient, sprintClient, logger)
	modifier := decision.NewModifier(decision.ModifierConfig{
		MinSimilarProjects:          cfg.MinSimilarProjects,
		VelocityConfidenceThreshold: cfg.VelocityConfidence,
	})
	gate := decision.NewGate(decision.GateConfig{
		ConfidenceThreshold:  cfg.ConfidenceThreshold,
		MinSimilarProjects:   cfg.MinSimilarProjects,
		MaxAdjustmentPercent: cfg.MaxAdjustmentPercent,
	}, logger)
	publisher := events.NewPublisher(rdb, logger)
	outcomes := memory.NewOutcomeRecorder(db, logger)
	exec := executor.New(sprintClient, chronicleClient, cronManager, outcomes, publisher, logger)
	auditor := decision.NewAuditor(chron, logger)

	engineCfg := decision.DefaultEngineConfig()
	engineCfg.LearningEnabled = cfg.LearningEnabled
	engineCfg.AgentVersion = "cadence/" + version
	engineCfg.MinSimilarity = float32(cfg.MinSimilarity)
	engine := decision.NewEngine(engineCfg, perceiver, retriever, bridge, analyzer,
		combiner, modifier, gate, db, cronManager, exec, episodeLogger, auditor, logger)

	// Task progress consumer keeps working state current.
	consumer := events.NewConsumer(rdb, cfg.ConsumerGroup, cfg.ConsumerName,
		[]string{model.StreamTaskUpdates, model.StreamDSM}, logger)
	consumer.On(model.EventTaskUpdated, events.NewTaskUpdatedHandler(db, logger))
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("event consumer stopped", "error", err)
		}
	}()

	// Daily strategy evolution.
	evolver := strategy.NewEvolver(db, strategy.Config{
		ExtractionWindow: time.Duration(cfg.PatternExtractionDays) * 24 * time.Hour,
		MinFrequency:     cfg.MinPatternFrequency,
		MinQuality:       0.7,
		Interval:         cfg.EvolverInterval,
	}, logger)
	go evolver.Run(ctx)

	handlers := server.NewHandlers(server.HandlersDeps{
		Engine: engine,
		DB:     db,
		Probes: []server.ReadyProbe{
			{Name: "postgres", Check: db.Ping},
			{Name: "chronicle", Check: chron.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
			{Name: "embedding", Check: func(ctx context.Context) error {
				if h := embedder.HealthCheck(ctx); h.Status != "ok" {
					return fmt.Errorf("embedding %s (breaker %s)", h.Status, h.BreakerState)
				}
				return nil
			}},
		},
		QueueDepth: episodeLogger.QueueDepth,
		Defaults: model.OrchestrationOptions{
			CreateSprintIfNeeded:     true,
			AssignTasks:              true,
			CreateCronjob:            true,
			Schedule:                 cfg.DefaultSchedule,
			SprintDurationWeeks:      cfg.SprintDurationWeeks,
			MaxTasksPerSprint:        cfg.MaxTasksPerSprint,
			EnablePatternRecognition: cfg.LearningEnabled,
		},
		Logger:  logger,
		Version: version,
	})

	srv := server.New(server.Config{
		Handlers:     handlers,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown incomplete", "error", err)
	}

	// Let the episode logger flush accepted work.
	select {
	case <-episodeLogger.Done():
	case <-time.After(10 * time.Second):
		slog.Warn("episode logger flush timed out")
	}
	return nil
}

// newCronManager builds the CronJob manager from in-cluster config, or a
// kubeconfig path outside the cluster.
func newCronManager(cfg config.Config, logger *slog.Logger) (*k8scron.Manager, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.KubeconfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("build config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}

	return k8scron.NewManager(clientset, k8scron.Config{
		Namespace: cfg.Namespace,
		Image:     cfg.DailyScrumJob,
	}, logger), nil
}
