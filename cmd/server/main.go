package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codebattle-sync/internal/battle"
	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/config"
	"github.com/codebattle-sync/internal/handler"
	"github.com/codebattle-sync/internal/kafka"
	"github.com/codebattle-sync/internal/nats"
	"github.com/codebattle-sync/internal/phase"
	"github.com/codebattle-sync/internal/postgres"
	"github.com/codebattle-sync/internal/redis"
	"github.com/codebattle-sync/internal/service"
	"github.com/codebattle-sync/internal/websocket"
	"github.com/codebattle-sync/internal/worker"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	instanceID := uuid.NewString()
	logger = logger.With("instance_id", instanceID)

	// Shared session store
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	redisClient, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	sessionStore := redis.NewSessionStore(redisClient, clock, logger)
	logger.Info("connected to Redis")

	checks := map[string]service.Pinger{
		"redis": service.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
	}

	// Ephemeral broadcast channel
	var channel broadcast.Channel
	switch cfg.Broadcast.Transport {
	case config.TransportNATS:
		logger.Info("connecting to NATS", "url", cfg.NATS.URL)
		nb, err := nats.Connect(&cfg.NATS, clock, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nb.Close()
		channel = nb
	default:
		channel = redis.NewBroadcaster(redisClient, clock, logger)
	}
	logger.Info("broadcast channel ready", "transport", cfg.Broadcast.Transport)

	// Archive
	var (
		history       service.HistoryReader
		archiveWorker *worker.ArchiveWorker
	)
	if cfg.Archive.Enabled {
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer repo.Close()

		if err := repo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		history = repo
		checks["postgres"] = repo

		archiveWorker = worker.NewArchiveWorker(sessionStore, sessionStore, repo, &cfg.Archive, clock, logger)
		if err := archiveWorker.Start(ctx); err != nil {
			logger.Error("failed to start archive worker", "error", err)
			os.Exit(1)
		}
	}

	// Coordinators
	registry := battle.NewRegistry(channel, battle.Deps{
		Store:  sessionStore,
		Loader: phase.StarterLoader{},
		Clock:  clock,
		Rand:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		Logger: logger,
	}, battle.NewConfig(cfg.Battle))

	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Verdict ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, instanceID, registry, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	sessionService := service.NewSessionService(sessionStore, history, checks, clock, cfg.Battle.StalenessThreshold, logger)
	httpHandler := handler.NewHandler(sessionService, wsHub, registry, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws?session={id}&identity={name}")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	wsHub.BroadcastNotice("", "server shutting down")

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Coordinators leave their sessions before the store goes away
	registry.Shutdown(shutdownCtx)
	wsHub.Stop()

	if archiveWorker != nil {
		if err := archiveWorker.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop archive worker", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
