package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"schoolattend/internal/config"
	"schoolattend/internal/logging"
	"schoolattend/internal/queue"
	"schoolattend/internal/store"
	"schoolattend/internal/tally"
)

// Worker consumes check-in notices and keeps the daily per-event tallies.
func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend != "redis" {
		log.Fatal("worker needs the redis queue backend", zap.String("queue_backend", cfg.QueueBackend))
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	if !redisClient.Healthy(ctx) {
		log.Warn("redis not reachable yet, consumer will keep retrying", zap.String("addr", cfg.RedisAddr))
	}

	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal("queue consume init failed", zap.Error(err))
	}

	log.Info("worker started, waiting for messages")
	tally.New(redisClient.Client, nil).Run(ctx, messages, log)
	log.Info("worker stopped")
}
