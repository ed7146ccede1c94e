// The worker process pulls accepted query jobs from the redis broker and
// executes them against the private datasets. Run one or more per
// deployment; the server's janitor settles jobs lost to a worker crash.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/admindb"
	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/logger"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/broker"
	"github.com/dpserve/dpserve/internal/services/datastore"
	"github.com/dpserve/dpserve/internal/services/queriers"
	"github.com/dpserve/dpserve/internal/services/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file")
		libraries  = flag.String("libraries", "", "Comma-separated library partitions to serve (default all)")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Broker.URL == "" {
		fmt.Println("broker.url is required: the worker process only runs against redis")
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

	opts, err := redis.ParseURL(cfg.Broker.URL)
	if err != nil {
		log.Fatal("Invalid broker url", zap.Error(err))
	}
	if cfg.Broker.Password != "" {
		opts.Password = cfg.Broker.Password
	}
	opts.DB = cfg.Broker.DB
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer func() { _ = client.Close() }()

	partitions, err := parseLibraries(*libraries)
	if err != nil {
		log.Fatal("Invalid -libraries flag", zap.Error(err))
	}

	registry := queriers.NewRegistry(cfg.DPLibraries)
	store := datastore.NewFromAdminDB(db, secrets, cfg.DatasetStore.MaxSize, log)
	executor := worker.NewExecutor(registry, store, db, cfg.Server.QueryTimeout)
	consumer := broker.NewRedisConsumer(client, partitions, cfg.Broker.VisibilityTimeout, log)
	runner := worker.NewRunner(consumer, executor, cfg.Server.Workers, log)

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("Worker pool failed", zap.Error(err))
	}
	log.Info("Worker stopped")
}

func parseLibraries(csv string) ([]models.LibraryTag, error) {
	if csv == "" {
		return nil, nil
	}
	var tags []models.LibraryTag
	for _, part := range strings.Split(csv, ",") {
		tag := models.LibraryTag(strings.TrimSpace(part))
		if !tag.Valid() {
			return nil, fmt.Errorf("unknown library %q", tag)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}
