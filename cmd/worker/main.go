package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sokinpui/studio.go/internal/app"
	"github.com/sokinpui/studio.go/internal/config"
	"github.com/sokinpui/studio.go/internal/queue"
	"github.com/sokinpui/studio.go/internal/worker"
)

func main() {
	log.SetPrefix("worker: ")

	cfg := config.Load()

	redisClient := app.NewRedisClient(cfg)
	defer redisClient.Close()

	registry, err := app.NewRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize model registry: %v", err)
	}

	// The worker serves no HTTP, so its collectors stay private.
	st := app.NewStudio(cfg, registry, app.NewSink(cfg, redisClient), nil, nil, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received, stopping worker...")
		cancel()
	}()

	w := worker.New(queue.New(redisClient, cfg.QueueName), st)
	w.Run(ctx)
}
