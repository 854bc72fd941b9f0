package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/config"
	"github.com/xtrntr/resale/internal/idempotency"
	"github.com/xtrntr/resale/internal/logger"
	"github.com/xtrntr/resale/internal/notify"
)

const dedupTTL = 7 * 24 * time.Hour

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewForEnvironment(cfg.AppEnv, cfg.LogLevel)
	defer log.Sync()

	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	var seen idempotency.Store
	if cfg.RedisAddr != "" {
		rdb, err := idempotency.NewRedis(ctx, cfg.RedisAddr, "resale:notify:")
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		seen = rdb
	} else {
		log.Warn("REDIS_ADDR not set, deduplicating in memory")
		seen = idempotency.NewInMemory()
	}
	defer seen.Close()

	dispatcher := notify.NewDispatcher(seen, notify.LogNotifier{Log: log.Named("notification")}, dedupTTL, log.Named("dispatcher"))
	consumer := notify.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, cfg.EventsTopic, cfg.NotifierWorkers, log.Named("consumer"))

	log.Info("notifier consumer started",
		zap.String("group", cfg.NotifierGroup),
		zap.String("topic", cfg.EventsTopic),
		zap.Int("workers", cfg.NotifierWorkers))
	if err := consumer.Start(ctx, dispatcher.HandleMessage); err != nil {
		log.Error("consumer exit", zap.Error(err))
	}
	log.Info("notifier stopped")
}
