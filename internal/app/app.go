package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"onboarding/apps/backend/features/course"
	"onboarding/apps/backend/features/job"
	"onboarding/apps/backend/features/stats"
	"onboarding/apps/backend/internal/adapter/confluence"
	"onboarding/apps/backend/internal/adapter/gemini"
	"onboarding/apps/backend/internal/artifact"
	"onboarding/apps/backend/internal/config"
	"onboarding/apps/backend/internal/llm"
	"onboarding/apps/backend/internal/lock"
	"onboarding/apps/backend/internal/middleware"
	"onboarding/apps/backend/internal/orchestrator"
	"onboarding/apps/backend/internal/retrieval"
	"onboarding/apps/backend/internal/settings"
	"onboarding/apps/backend/internal/synth"
	"onboarding/apps/backend/internal/task"
	"onboarding/apps/backend/internal/worker"
)

// Database is the relational store the repositories run on. It is an
// interface so tests can hand in a sqlmock connection.
type Database interface {
	PingContext(ctx context.Context) error
	Close() error
}

// VectorStore is the chunk store behind the embedding index.
type VectorStore interface {
	retrieval.VectorStore
}

// TaskPublisher enqueues background jobs.
type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

// Options replaces external collaborators, mainly for tests. Nil fields keep
// the configured implementation.
type Options struct {
	Embedder  llm.Embedder
	Generator llm.Generator
	Source    orchestrator.DocumentSource
	Artifacts artifact.Store
}

type App struct {
	Handler       http.Handler
	CourseService *course.Service
	JobConsumer   *worker.JobConsumer

	port    int
	closers []func() error
}

func New(
	cfg *config.Config,
	db Database,
	vecStore VectorStore,
	taskPub TaskPublisher,
	logger *slog.Logger,
	opts ...*Options,
) (*App, error) {
	o := &Options{}
	if len(opts) > 0 && opts[0] != nil {
		o = opts[0]
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Repositories take *sql.DB; the interface only keeps the signature mockable.
	sqlDB, ok := db.(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("unsupported database type %T", db)
	}

	a := &App{port: cfg.ServerPort}

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(sqlDB)
	settingsService := settings.NewService(settingsRepo)

	seeded, err := settingsService.SeedAPIKey(context.Background(), cfg.GeminiAPIKey)
	switch {
	case err != nil:
		logger.Warn("failed to seed gemini api key", "error", err)
	case seeded:
		logger.Info("seeded gemini api key from environment")
	}

	settingsHandler := settings.NewHandler(settingsService)

	// Adapters
	var embedder llm.Embedder
	var generator llm.Generator
	if o.Embedder == nil || o.Generator == nil {
		geminiClient := gemini.NewClient(settingsService)
		a.closers = append(a.closers, geminiClient.Close)
		embedder, generator = geminiClient, geminiClient
	}
	if o.Embedder != nil {
		embedder = o.Embedder
	}
	if o.Generator != nil {
		generator = o.Generator
	}

	store := o.Artifacts
	if store == nil {
		if cfg.ArtifactBackend == config.ArtifactBackendPostgres || cfg.ArtifactBackend == "" {
			store = artifact.NewPostgresStore(sqlDB)
		} else {
			store = artifact.NewAFSStore(cfg.ArtifactBackend)
		}
	}

	source := o.Source
	if source == nil {
		source = orchestrator.NewConfluenceSource(confluence.NewClient(confluence.Config{
			BaseURL:   cfg.ConfluenceURL,
			Email:     cfg.ConfluenceEmail,
			Token:     cfg.ConfluenceToken,
			RateLimit: cfg.ConfluenceRateLimit,
			Timeout:   cfg.FetchTimeout(),
		}))
	}

	// Retrieval
	logPath := cfg.QueryLogPath
	if logPath == "" {
		logPath = "data/logs/query.log"
	}
	queryLogger, err := retrieval.NewFileQueryLogger(logPath)
	if err != nil {
		logger.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	a.closers = append(a.closers, queryLogger.Close)

	index := retrieval.NewIndex(embedder, vecStore, retrieval.IndexConfig{
		BatchSize:    cfg.EmbedBatchSize,
		Workers:      cfg.EmbedWorkers,
		EmbedTimeout: cfg.EmbedTimeout(),
	}, queryLogger)

	// Pipeline
	orch, err := orchestrator.New(source, index, store, orchestrator.Config{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		FetchTimeout: cfg.FetchTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	// Feature: Course
	courseRepo := course.NewPostgresRepo(sqlDB)
	synthesizer := synth.New(index, generator, store, settingsService, course.NewBriefSource(courseRepo), cfg.GenerateTimeout())
	tracker := task.NewTracker(store)
	locks := lock.NewManager()
	courseService := course.NewService(courseRepo, taskPub, orch, synthesizer, index, store, tracker).
		WithLocks(locks, cfg.LockTimeout())
	courseHandler := course.NewHandler(courseService)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(sqlDB)
	jobService := job.NewService(jobRepo, taskPub, logger)
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(courseRepo, jobRepo, index)

	// Routes
	mux := http.NewServeMux()
	handle := func(pattern string, h func(http.ResponseWriter, *http.Request)) {
		mux.Handle(pattern, middleware.CorrelationID(enableCORS(h)))
	}

	courseHandler.Register(handle)

	handle("GET /settings", settingsHandler.GetSettings)
	handle("PUT /settings", settingsHandler.UpdateSettings)

	handle("GET /jobs/failed", jobHandler.List)
	handle("POST /jobs/{id}/retry", jobHandler.Retry)
	handle("DELETE /jobs/{id}", jobHandler.Discard)

	handle("GET /stats", statsHandler.GetStats)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Worker
	a.JobConsumer = worker.NewJobConsumer(courseService, tracker, locks, jobRepo, cfg.MaxJobAttempts, cfg.LockTimeout()).
		WithTouchInterval(cfg.NSQMsgTimeout() / 2)

	a.Handler = mux
	a.CourseService = courseService
	return a, nil
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (a *App) Run(ctx context.Context) error {
	port := a.port
	if port == 0 {
		port = 8081
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the model client and the query log.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
