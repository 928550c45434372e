package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/expression"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Int64("company_id", cfg.Service.CompanyID).
		Str("storage", cfg.Storage.Backend).
		Str("lock", cfg.Lock.Backend).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(ctx, tracing.Config{
			ServiceName:    cfg.Service.Name,
			ServiceVersion: cfg.Service.Version,
			Environment:    cfg.Service.Environment,
			OutputFile:     cfg.Tracing.OutputFile,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("Tracer shutdown failed")
			}
		}()
	}

	var seed *repository.Seed
	if cfg.Storage.SeedFile != "" {
		seed, err = repository.LoadSeed(cfg.Storage.SeedFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.Storage.SeedFile).Msg("Failed to load seed file")
		}
	}

	// Storage
	deps := service.Dependencies{
		Evaluator: expression.NewEvaluator(expression.DefaultCacheSize, log.Component("expression").Logger),
	}
	var (
		db   *database.DB
		ping func(context.Context) error
	)

	switch cfg.Storage.Backend {
	case "postgres":
		db, err = database.New(ctx, database.Config{
			URL:         cfg.Database.URL,
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
		ping = db.Ping
		log.Info().Msg("Database connection established")

		if cfg.Database.AutoMigrate {
			if err := repository.EnsureSchema(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply schema")
			}
		}

		flows := repository.NewFlowRepository(db)
		approvals := repository.NewApprovalRepository(db)
		directory := repository.NewDirectoryRepository(db)
		if seed != nil {
			created, err := directory.ApplySeed(ctx, flows, seed)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to apply seed")
			}
			log.Info().Int("created_flows", created).Msg("Seed applied")
		}

		deps.Flows = flows
		deps.Approvals = approvals
		deps.Histories = repository.NewHistoryRepository(db)
		deps.Users = directory
		deps.Groups = directory
		deps.SystemGroups = directory

	default:
		store := memory.New()
		if seed != nil {
			if err := store.ApplySeed(seed); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply seed")
			}
		}
		deps.Flows = store
		deps.Approvals = store
		deps.Histories = store
		deps.Users = store
		deps.Groups = store
		deps.SystemGroups = store
	}

	// Per-approval lock
	switch cfg.Lock.Backend {
	case "postgres":
		deps.Locker = repository.NewAdvisoryLocker(db)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		deps.Locker = client.NewRedisLocker(rdb, client.RedisLockerConfig{
			TTL:           cfg.Lock.TTL,
			RetryAttempts: cfg.Lock.RetryAttempts,
			RetryDelay:    cfg.Lock.RetryDelay,
		})
	default:
		deps.Locker = memory.NewKeyedLocker()
	}

	// Transition events
	if cfg.Events.Enabled {
		nc, err := nats.Connect(cfg.Events.NATSURL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.Events.NATSURL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		deps.Publisher = client.NewEventPublisher(nc, client.EventPublisherConfig{
			SubjectPrefix: cfg.Events.SubjectPrefix,
			RateLimit:     cfg.Events.RateLimit,
			RateBurst:     cfg.Events.RateBurst,
			CBMaxRequests: cfg.Events.CBMaxRequests,
			CBInterval:    cfg.Events.CBInterval,
			CBTimeout:     cfg.Events.CBTimeout,
		}, log.Component("events").Logger)
		log.Info().Str("url", cfg.Events.NATSURL).Msg("NATS connection established")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = service.NewMetrics(registry)

	approvalService := service.NewApprovalService(deps, cfg.Service.CompanyID, log.Component("approval-service"))

	var verifier *handler.TokenVerifier
	if cfg.Auth.Enabled {
		verifier, err = handler.NewTokenVerifier(cfg.Auth.PublicKey, cfg.Auth.HMACSecret)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize token verifier")
		}
	}

	// HTTP server
	router := handler.NewRouter(handler.NewHTTPHandler(approvalService, log), handler.RouterConfig{
		Verifier:       verifier,
		Gatherer:       registry,
		Ping:           ping,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, log.Component("http"))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.UnaryLoggingInterceptor(log.Component("grpc")),
		handler.UnaryAuthInterceptor(verifier, log),
	))
	handler.RegisterService(grpcServer, handler.NewGRPCHandler(approvalService, log))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
