package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/database"
	"github.com/dpserve/dpserve/internal/logger"
	"github.com/dpserve/dpserve/internal/router"
	"github.com/dpserve/dpserve/internal/services/broker"
	"github.com/dpserve/dpserve/internal/services/datastore"
	"github.com/dpserve/dpserve/internal/services/engine"
	"github.com/dpserve/dpserve/internal/services/queriers"
	"github.com/dpserve/dpserve/internal/services/worker"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secrets, err := config.LoadSecrets("")
	if err != nil {
		log.Fatal("Failed to load secrets", zap.Error(err))
	}

	db, err := admindb.New(ctx, cfg.AdminDatabase, secrets)
	if err != nil {
		log.Fatal("Failed to open admin database", zap.Error(err))
	}
	defer func() { _ = db.Close(context.Background()) }()

	if cfg.DevelopMode {
		if err := database.NewSeeder(db, log).SeedDevelop(ctx); err != nil {
			log.Fatal("Failed to seed develop fixtures", zap.Error(err))
		}
	}

	registry := queriers.NewRegistry(cfg.DPLibraries)

	// With a redis url the workers run in their own processes and failed
	// workers are reaped by the janitor. Without one, everything runs
	// in-process over the bounded memory broker.
	var brk broker.Broker
	if cfg.Broker.URL != "" {
		redisBroker, err := broker.NewRedisBroker(cfg.Broker, log)
		if err != nil {
			log.Fatal("Failed to build broker", zap.Error(err))
		}
		if err := redisBroker.Ping(ctx); err != nil {
			log.Fatal("Failed to connect to redis", zap.Error(err))
		}
		redisBroker.StartJanitor(ctx)
		brk = redisBroker
	} else {
		memBroker := broker.NewMemoryBroker(cfg.Broker.HighWater, log)
		store := datastore.NewFromAdminDB(db, secrets, cfg.DatasetStore.MaxSize, log)
		executor := worker.NewExecutor(registry, store, db, cfg.Server.QueryTimeout)
		runner := worker.NewRunner(memBroker, executor, cfg.Server.Workers, log)
		go func() {
			if err := runner.Run(ctx); err != nil {
				log.Error("Worker pool stopped", zap.Error(err))
			}
		}()
		brk = memBroker
	}
	defer func() { _ = brk.Close() }()

	eng := engine.New(db, registry, brk, cfg.Server.QueryTimeout, cfg.SubmitLimit, log)

	server := router.Server(cfg, router.New(cfg, eng, log))
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.HostIP, cfg.Server.MetricsPort),
		Handler: router.NewMetricsRouter(cfg),
	}

	go func() {
		log.Info("Metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		log.Info("Query server listening",
			zap.String("addr", server.Addr),
			zap.Bool("develop_mode", cfg.DevelopMode))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Query server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Query server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
