package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrattend/internal/config"
	"qrattend/internal/presence"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Worker consumes attendance.marked events and maintains live presence
// counters in redis.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" {
		log.Fatal("QUEUE_BACKEND=memory is served by the api process; the worker needs redis")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if !redisClient.Healthy(pingCtx) {
		log.Printf("WARNING: redis at %s not reachable yet, consumer will keep retrying", cfg.RedisAddr)
	}
	pingCancel()

	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	counter := presence.NewRedisCounter(redisClient.Client, cfg.SessionMaxAge)

	log.Println("worker started, waiting for messages...")
	if err := presence.NewTracker(q, counter).Run(ctx); err != nil {
		log.Fatalf("presence tracker failed: %v", err)
	}
	log.Println("worker stopped")
}
