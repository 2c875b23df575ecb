// cmd/historian/main.go drains lobby events from the Redis queue the server
// publishes to and persists them to PostgreSQL.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jason-s-yu/webstar/internal/cache"
	"github.com/jason-s-yu/webstar/internal/config"
	"github.com/jason-s-yu/webstar/internal/database"
	"github.com/jason-s-yu/webstar/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("WEBSTAR_CONFIG"), "path to a YAML config file")
	batchSize := pflag.Int("batch-size", getEnvInt("HISTORIAN_BATCH_SIZE", 20), "events per database transaction")
	flushMs := pflag.Int("flush-ms", getEnvInt("HISTORIAN_FLUSH_MS", 500), "maximum delay before a partial batch is written")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	if cfg.Stats.RedisAddr == "" {
		cfg.Stats.RedisAddr = "localhost:6379"
	}
	if cfg.Stats.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.Connect(ctx, cfg.Stats)
	if err != nil {
		logger.Fatal(err)
	}
	defer rdb.Close()

	pool, err := database.Connect(ctx, cfg.Stats.DatabaseURL)
	if err != nil {
		logger.Fatal(err)
	}
	defer pool.Close()

	store := database.NewEventStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatalf("failed to prepare schema: %v", err)
	}

	svc := historian.NewService(rdb, store, cfg.Stats.EventQueue, *batchSize, time.Duration(*flushMs)*time.Millisecond, logger)
	logger.Infof("webstar-historian started, reading %s", cfg.Stats.EventQueue)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("historian stopped: %v", err)
	}
	logger.Info("webstar-historian shutting down")
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
