package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/util"

	appconfig "github.com/antinvestor/vibefix/apps/server/config"
	"github.com/antinvestor/vibefix/apps/server/handlers"
	"github.com/antinvestor/vibefix/apps/server/middleware"
	"github.com/antinvestor/vibefix/apps/server/service/journal"
	"github.com/antinvestor/vibefix/apps/server/service/pipeline"
	"github.com/antinvestor/vibefix/apps/server/service/verify"
	"github.com/antinvestor/vibefix/internal/capture"
	"github.com/antinvestor/vibefix/internal/events"
	"github.com/antinvestor/vibefix/internal/reasoning"
)

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[appconfig.ServerConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "vibefix_server"
	}

	// Create service with Frame
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	// Get managers
	dbManager := svc.DatastoreManager()
	qMan := svc.QueueManager()

	// Handle database migration
	if handleDatabaseMigration(ctx, dbManager, cfg) {
		return
	}

	// Get database pool
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)

	// ==========================================================================
	// Setup Repositories
	// ==========================================================================

	journalRepo := journal.NewRepository(ctx, dbPool)

	// ==========================================================================
	// Setup Services
	// ==========================================================================

	reasoner, err := reasoning.NewGateway(reasoning.ClientConfig{
		GoogleAPIKey:    cfg.GeminiAPIKey,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		TimeoutSeconds:  cfg.ReasoningTimeoutSeconds,
		MaxRetries:      cfg.ReasoningMaxRetries,
	})
	if err != nil {
		log.WithError(err).Fatal("could not create reasoning gateway")
	}

	capturer := setupCapturer(ctx, &cfg)

	backends, err := events.NewBackendsWithFallback(ctx, events.BackendConfig{
		LockBackend: events.BackendType(cfg.LockBackend),
		RedisURL:    cfg.RedisURL,
	})
	if err != nil {
		log.WithError(err).Fatal("could not create coordination backends")
	}
	defer func() { _ = backends.Close() }()

	registry := verify.NewRegistry(backends.Locking)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = registry.Shutdown(shutdownCtx)
	}()

	publisher := events.NewQueuePublisher(
		func(ctx context.Context, queueName string, payload any, headers map[string]string) error {
			return qMan.Publish(ctx, queueName, payload, headers)
		})
	emitter := events.NewQueueEmitter(publisher, cfg.QueueJobEventsName, cfg.Name())

	// ==========================================================================
	// Setup HTTP Handlers
	// ==========================================================================

	fixHandler := handlers.NewFixHandler(&cfg, reasoner, capturer, emitter, publisher, registry)
	verificationHandler := handlers.NewVerificationHandler(&cfg, reasoner, emitter, registry, journalRepo)
	jobsHandler := handlers.NewJobsHandler(journalRepo)

	submitLimiter := middleware.NewLimiter(
		middleware.PerHour(cfg.RateLimitSubmitPerHour), cfg.RateLimitSubmitBurst)
	defer submitLimiter.Stop()

	apiLimiter := middleware.NewLimiter(
		middleware.PerMinute(cfg.RateLimitRequestsPerMinute), cfg.RateLimitBurstSize)
	defer apiLimiter.Stop()

	mux := handlers.Routes(fixHandler, verificationHandler, jobsHandler, submitLimiter, apiLimiter)

	// Health check endpoints
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"server"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","service":"server"}`))
	})

	// ==========================================================================
	// Register Publishers
	// ==========================================================================

	jobEventsPublisher := frame.WithRegisterPublisher(
		cfg.QueueJobEventsName,
		cfg.QueueJobEventsURI,
	)

	jobResultsPublisher := frame.WithRegisterPublisher(
		cfg.QueueJobResultsName,
		cfg.QueueJobResultsURI,
	)

	// ==========================================================================
	// Register Subscribers
	// ==========================================================================

	// The journal rides the same lifecycle topic external consumers see.
	lifecycleSubscriber := frame.WithRegisterSubscriber(
		cfg.QueueJobEventsName,
		cfg.QueueJobEventsURI,
		events.NewDispatcher(journal.Projections(journalRepo)...),
	)

	// ==========================================================================
	// Initialize Service
	// ==========================================================================

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),
		// Publishers
		jobEventsPublisher,
		jobResultsPublisher,
		// Subscribers
		lifecycleSubscriber,
	}

	svc.Init(ctx, serviceOptions...)

	// ==========================================================================
	// Start the Service
	// ==========================================================================

	log.Info("Starting fix server...")
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

func handleDatabaseMigration(
	ctx context.Context,
	dbManager datastore.Manager,
	cfg appconfig.ServerConfig,
) bool {
	if cfg.DoDatabaseMigrate() {
		dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)
		err := journal.Migrate(ctx, dbPool)
		if err != nil {
			util.Log(ctx).WithError(err).Fatal("could not migrate")
		}
		return true
	}
	return false
}

func setupCapturer(ctx context.Context, cfg *appconfig.ServerConfig) pipeline.Capturer {
	capturer, err := capture.NewDockerCapturer(capture.Config{
		Image:          cfg.CaptureBrowserImage,
		OutputBasePath: cfg.CaptureOutputPath,
		TimeoutSeconds: cfg.CaptureTimeoutSeconds,
	})
	if err != nil {
		util.Log(ctx).WithError(err).Warn("screenshot capture unavailable, deployed URLs will not be captured")
		return nil
	}
	return capturer
}
