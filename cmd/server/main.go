package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qlido/BSM-Backend-V2/internal/cache"
	"github.com/qlido/BSM-Backend-V2/internal/config"
	"github.com/qlido/BSM-Backend-V2/internal/domain"
	"github.com/qlido/BSM-Backend-V2/internal/handler"
	"github.com/qlido/BSM-Backend-V2/internal/kafka"
	"github.com/qlido/BSM-Backend-V2/internal/meister"
	"github.com/qlido/BSM-Backend-V2/internal/portal"
	"github.com/qlido/BSM-Backend-V2/internal/store"
	"github.com/qlido/BSM-Backend-V2/internal/websocket"
	"github.com/qlido/BSM-Backend-V2/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := store.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize Redis ranking cache
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	rankingCache, err := cache.NewRankingCache(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer rankingCache.Close()
	logger.Info("connected to Redis")

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize the sync engine; every refresh opens a fresh portal session
	sessions := func() (meister.Session, error) {
		return portal.NewSession(&cfg.Portal, logger)
	}
	engine := meister.NewEngine(repo, sessions, logger)
	engine.SetCache(rankingCache)
	engine.SetNotifier(wsHub)

	rankingService := meister.NewRankingService(repo, &cfg.Ranking, logger)
	rankingService.SetCache(rankingCache)

	// Rebuild the ranking cache from the durable store (recovery)
	if err := rebuildCache(ctx, repo, rankingCache); err != nil {
		logger.Warn("failed to rebuild ranking cache on startup", "error", err)
	}

	// Initialize Kafka audit producer and refresh consumer
	var kafkaProducer *kafka.Producer
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka",
			"brokers", cfg.Kafka.Brokers,
			"audit_topic", cfg.Kafka.AuditTopic,
			"refresh_topic", cfg.Kafka.RefreshTopic,
		)
		kafkaProducer, err = kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka producer, continuing without audit events", "error", err)
		} else {
			engine.SetEvents(kafkaProducer)
		}

		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, engine, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without queued refreshes", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without queued refreshes", "error", err)
			kafkaConsumer = nil
		}
	}

	// Initialize reconciliation worker
	reconciler := worker.NewReconciler(engine, repo, &cfg.Sync, logger)
	if cfg.Sync.Enabled {
		if err := reconciler.Start(ctx); err != nil {
			logger.Error("failed to start reconciler", "error", err)
			os.Exit(1)
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(engine, rankingService, wsHub, headerAuth(repo), logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka consumer and producer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			logger.Error("failed to close Kafka producer", "error", err)
		}
	}

	// Stop reconciler
	if err := reconciler.Stop(); err != nil {
		logger.Error("failed to stop reconciler", "error", err)
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}

// rebuildCache mirrors the durable store's visible scores into Redis
func rebuildCache(ctx context.Context, repo *store.Repository, rankingCache *cache.RankingCache) error {
	rows, err := repo.ListRankingRows(ctx)
	if err != nil {
		return err
	}
	scores := make(map[string]float64)
	for _, row := range rows {
		if domain.Classify(row.Meta) == domain.ResultSuccess {
			scores[row.Student.StudentID] = row.Record.Score
		}
	}
	return rankingCache.Rebuild(ctx, scores)
}

// headerAuth resolves the student set by the auth gateway. The gateway
// terminates the user's session and forwards the verified identity.
func headerAuth(repo *store.Repository) handler.AuthFunc {
	return func(r *http.Request) (domain.Student, error) {
		studentID := r.Header.Get("X-Student-Id")
		if studentID == "" {
			return domain.Student{}, errors.New("missing authenticated student")
		}
		return repo.GetStudent(r.Context(), studentID)
	}
}
