package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sokinpui/studio.go/internal/app"
	"github.com/sokinpui/studio.go/internal/broker"
	"github.com/sokinpui/studio.go/internal/config"
	"github.com/sokinpui/studio.go/internal/queue"
	"github.com/sokinpui/studio.go/internal/server"
	"github.com/sokinpui/studio.go/internal/worker"
)

func main() {
	log.SetPrefix("server: ")

	cfg := config.Load()

	registry, err := app.NewRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize model registry: %v", err)
	}

	var redisClient *redis.Client
	if app.NeedsRedis(cfg) {
		redisClient = app.NewRedisClient(cfg)
		defer redisClient.Close()
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	memBroker := broker.NewMemoryBroker(1000)
	sink := app.NewSink(cfg, redisClient)
	st := app.NewStudio(cfg, registry, sink, memBroker, memBroker, promRegistry)

	deps := server.Deps{
		Studio:       st,
		Models:       registry,
		DefaultModel: cfg.DefaultModel,
		Broker:       memBroker,
		History:      sink,
		Metrics:      promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workerDone chan struct{}
	if cfg.QueueEnabled {
		q := queue.New(redisClient, cfg.QueueName)
		deps.Queue = q
		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			worker.New(q, st).Run(ctx)
		}()
	}

	mux := http.NewServeMux()
	server.NewHTTPServer(deps).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received, stopping server...")
		st.Cancel()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}()

	log.Printf("Server listening at %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("failed to serve: %v", err)
	}

	st.Wait()
	if workerDone != nil {
		<-workerDone
	}
}
