// Package app wires the settings into the collaborators both binaries share.
package app

import (
	"log"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/sokinpui/studio.go/internal/config"
	"github.com/sokinpui/studio.go/internal/events"
	"github.com/sokinpui/studio.go/internal/history"
	"github.com/sokinpui/studio.go/internal/metrics"
	"github.com/sokinpui/studio.go/internal/notify"
	"github.com/sokinpui/studio.go/internal/studio"
	"github.com/sokinpui/studio.go/model"
)

// NeedsRedis reports whether any configured component talks to Redis.
func NeedsRedis(cfg *config.Settings) bool {
	return cfg.QueueEnabled || cfg.HistoryBackend == "redis"
}

func NewRedisClient(cfg *config.Settings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		// Lets a shutdown interrupt blocking dequeues.
		ContextTimeoutEnabled: true,
	})
}

// NewRegistry registers every configured Gemini model code.
func NewRegistry(cfg *config.Settings) (*model.Registry, error) {
	if len(cfg.GenAIAPIKeys) == 0 {
		log.Printf("%s: STUDIO_GENAI_API_KEYS is empty, every generation call will fail", color.YellowString("Warning"))
	}
	return model.New(model.GeminiProvider(cfg.ModelCodes, cfg.GenAIAPIKeys,
		model.WithMaxImageEdge(cfg.MaxImageEdge),
		model.WithTimeout(cfg.GenerationTimeout),
	))
}

// NewSink returns the configured history store. redisClient may be nil for
// the memory backend.
func NewSink(cfg *config.Settings, redisClient *redis.Client) history.Store {
	if cfg.HistoryBackend == "redis" {
		return history.NewRedisSink(redisClient, cfg.HistoryPrefix, cfg.HistoryCapacity)
	}
	return history.NewMemorySink(cfg.HistoryCapacity)
}

// NewStudio builds the orchestrator. pub and extra may be nil; notifications
// are always logged.
func NewStudio(cfg *config.Settings, models studio.Models, sink history.Sink, pub events.Publisher, extra notify.Notifier, reg prometheus.Registerer) *studio.Studio {
	notifier := notify.Multi{notify.Log{}}
	if extra != nil {
		notifier = append(notifier, extra)
	}
	return studio.New(studio.Deps{
		Models:   models,
		Sink:     sink,
		Notifier: notifier,
		Events:   pub,
		Metrics:  metrics.MustNew(reg),
	}, studio.Options{
		DefaultModel: cfg.DefaultModel,
		TaskDelay:    cfg.TaskDelay,
		Stream:       cfg.Stream,
		Generation:   model.Config{IncludeThoughts: cfg.IncludeThoughts},
	})
}
