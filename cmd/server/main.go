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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-group-carts/internal/client"
	"github.com/pesio-ai/be-group-carts/internal/handler"
	"github.com/pesio-ai/be-group-carts/internal/platform/config"
	"github.com/pesio-ai/be-group-carts/internal/platform/database"
	"github.com/pesio-ai/be-group-carts/internal/platform/logger"
	"github.com/pesio-ai/be-group-carts/internal/platform/metrics"
	"github.com/pesio-ai/be-group-carts/internal/platform/nats"
	"github.com/pesio-ai/be-group-carts/internal/platform/otel"
	"github.com/pesio-ai/be-group-carts/internal/repository"
	"github.com/pesio-ai/be-group-carts/internal/repository/memory"
	"github.com/pesio-ai/be-group-carts/internal/repository/postgres"
	"github.com/pesio-ai/be-group-carts/internal/repository/sqlite"
	"github.com/pesio-ai/be-group-carts/internal/service"
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
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("store", cfg.Store.Backend).
		Str("events", cfg.Events.Backend).
		Int("approval_threshold", cfg.Approval.Threshold).
		Str("channel", cfg.Chat.Channel).
		Msg("Starting Group Carts Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, cfg.Service.Name, cfg.Service.Version, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}

	// Initialize store
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open store")
	}
	defer store.Close()

	// Initialize event publishing
	events, closeEvents, err := newEventPublisher(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Events.Backend).Msg("Failed to connect event backend")
	}
	defer closeEvents()

	// Chat webhook for request posts and operator alerts
	var (
		poster handler.MessagePoster
		alerts service.OperatorAlerter
	)
	if cfg.Chat.WebhookURL != "" || cfg.Chat.OperatorWebhookURL != "" {
		chat := client.NewChatWebhookClient(
			cfg.Chat.WebhookURL,
			cfg.Chat.OperatorWebhookURL,
			cfg.Chat.OperatorChannel,
			&http.Client{Timeout: 10 * time.Second},
		)
		alerts = chat
		if cfg.Chat.WebhookURL != "" {
			poster = chat
		}
		log.Info().Bool("posts_requests", poster != nil).Msg("Chat webhook client initialized")
	}

	// Initialize services
	m := metrics.New()
	locks := service.NewCartLocks()
	cartService := service.NewCartService(store, locks, log.Component("cart_service"))
	engine := service.NewApprovalEngine(store, locks, cfg.Approval.Threshold, events, alerts, m, log.Component("approval_engine"))

	router := handler.NewRouter(cartService, engine, handler.RouterConfig{
		Channel:      cfg.Chat.Channel,
		ApproveEmoji: cfg.Approval.Emoji,
	}, poster, alerts, m, log.Component("router"))

	// Setup HTTP server
	httpHandler := handler.NewHTTPHandler(router, cartService, engine, m, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Routes(cfg.Server.WriteTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Setup gRPC server
	grpcServer := handler.NewGRPCServer(cfg.Service.Name, log.Logger)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
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
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()

		if shutdownTracing != nil {
			if err := shutdownTracing(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.Store.SQLitePath).Msg("SQLite store opened")
		return store, nil

	case config.StorePostgres:
		db, err := database.New(ctx, database.Config{
			URL:         cfg.Database.URL,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnLifetime,
			MaxIdleTime: cfg.Database.MaxConnIdleTime,
			HealthCheck: cfg.Database.HealthCheckPeriod,
		})
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		log.Info().Msg("Database connection established")
		return postgres.NewStore(db), nil

	default:
		log.Warn().Msg("Using in-memory store; state is lost on restart")
		return memory.New(), nil
	}
}

func newEventPublisher(cfg *config.Config, log *logger.Logger) (service.EventPublisher, func(), error) {
	switch cfg.Events.Backend {
	case config.EventsNATS:
		nc, err := nats.Connect(cfg.Events.NATSURL, cfg.Service.Name)
		if err != nil {
			return nil, func() {}, err
		}
		log.Info().Str("url", cfg.Events.NATSURL).Msg("NATS connection established")
		publisher := client.NewNotificationPublisher(nc, cfg.Events.SubjectPrefix, log.Component("nats_publisher").Logger)
		return publisher, func() { _ = nc.Close() }, nil

	case config.EventsKafka:
		writer := client.NewKafkaWriter(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		publisher := client.NewKafkaPublisher(writer, cfg.Events.SubjectPrefix, log.Component("kafka_publisher").Logger)
		log.Info().
			Strs("brokers", cfg.Events.KafkaBrokers).
			Str("topic", cfg.Events.KafkaTopic).
			Msg("Kafka publisher initialized")
		return publisher, func() { _ = publisher.Close() }, nil

	default:
		return nil, func() {}, nil
	}
}
