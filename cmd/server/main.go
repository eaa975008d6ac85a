package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-hr-approvals/internal/client"
	"github.com/pesio-ai/be-hr-approvals/internal/config"
	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/handler"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/middleware"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
	"github.com/pesio-ai/be-hr-approvals/internal/tracing"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// store is satisfied by both the Postgres and the in-memory backends.
type store interface {
	service.WorkflowStore
	service.DispatchStore
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting HR Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.OutputFile); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		log.Info().Msg("Tracing enabled")
	}

	// Initialize storage
	var st store
	switch cfg.Store.Driver {
	case "memory":
		st = memory.New()
		log.Warn().Msg("Using in-memory store, state is lost on restart")
	default:
		db, err := database.New(ctx, database.Config{
			DSN:         cfg.Database.DSN(),
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply migrations")
			}
			log.Info().Msg("Database migrations applied")
		}
		st = repository.NewStore(db)
	}

	// Initialize NATS (optional, publishing is skipped when disabled)
	var pub client.Publisher
	if cfg.NATS.Enabled {
		nc, err := client.NewNATSClient(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		pub = nc
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}
	publisher := client.NewNotificationPublisher(pub, log.Component("notifications"))

	// Initialize collaborator clients
	breaker := client.BreakerSettings{
		Failures: cfg.Collaborators.BreakerFailures,
		Timeout:  cfg.Collaborators.BreakerTimeout,
	}
	subjects := client.NewSubjectProviders(workflow.Default, cfg.Collaborators.SubjectURLs,
		cfg.Collaborators.HTTPTimeout, breaker, log.Component("subjects"))
	artifacts := client.NewArtifactClient(cfg.Collaborators.ArtifactURL,
		cfg.Collaborators.HTTPTimeout, breaker, log.Component("artifacts"))

	log.Info().
		Int("subject_services", len(subjects)).
		Str("artifact_service", cfg.Collaborators.ArtifactURL).
		Msg("Collaborator clients initialized")

	// Initialize services
	m := metrics.New(prometheus.DefaultRegisterer)
	approvals := service.NewApprovalService(workflow.Default, st, publisher, m, log.Component("approvals"))
	queues := service.NewQueueRouter(workflow.Default, st, subjects, log.Component("queues"))
	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		PollInterval: cfg.Dispatcher.PollInterval,
		BatchSize:    cfg.Dispatcher.BatchSize,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
		BaseBackoff:  cfg.Dispatcher.BaseBackoff,
		MaxBackoff:   cfg.Dispatcher.MaxBackoff,
		Lease:        cfg.Dispatcher.Lease,
		Concurrency:  cfg.Dispatcher.Concurrency,
	}, workflow.Default, st, subjects, artifacts, publisher, publisher, m, log.Component("dispatcher"))

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.SkipAuth)
	if cfg.Auth.SkipAuth {
		log.Warn().Msg("Authentication disabled, actors are taken from request headers")
	}

	// Setup HTTP routes
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	handler.NewHTTPHandler(approvals, queues, dispatcher, log.Component("http")).Register(router, auth.HTTP)

	router.Use(
		middleware.WithRequestID(),
		middleware.Logging(log),
		middleware.Recovery(log),
		middleware.Timeout(cfg.Server.RequestTimeout),
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Setup gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
	handler.NewGRPCHandler(approvals, queues, log).Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()

		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Tracing shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}
