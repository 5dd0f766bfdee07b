package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Settings holds the application configuration. Every key is read from the
// environment with the STUDIO_ prefix, e.g. STUDIO_HTTP_PORT.
type Settings struct {
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	QueueName     string `envconfig:"QUEUE_NAME" default:"studio:jobs"`
	// QueueEnabled makes the server accept /jobs and drain the queue
	// in-process, alongside any standalone workers.
	QueueEnabled bool `envconfig:"QUEUE_ENABLED" default:"false"`

	GenAIAPIKeys      []string      `envconfig:"GENAI_API_KEYS"`
	ModelCodes        []string      `envconfig:"MODEL_CODES" default:"gemini-2.5-flash-image,gemini-2.5-flash-image-preview,gemini-2.0-flash-preview-image-generation"`
	DefaultModel      string        `envconfig:"DEFAULT_MODEL" default:"gemini-2.5-flash-image"`
	Stream            bool          `envconfig:"STREAM" default:"true"`
	IncludeThoughts   bool          `envconfig:"INCLUDE_THOUGHTS" default:"true"`
	MaxImageEdge      int           `envconfig:"MAX_IMAGE_EDGE" default:"2048"`
	GenerationTimeout time.Duration `envconfig:"GENERATION_TIMEOUT" default:"0s"`

	TaskDelay       time.Duration `envconfig:"TASK_DELAY" default:"500ms"`
	HistoryBackend  string        `envconfig:"HISTORY_BACKEND" default:"memory"`
	HistoryCapacity int           `envconfig:"HISTORY_CAPACITY" default:"50"`
	HistoryPrefix   string        `envconfig:"HISTORY_PREFIX" default:"studio"`
}

// RedisAddr returns host:port.
func (s *Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%d", s.RedisHost, s.RedisPort)
}

// Parse merges an optional .env file into the environment and decodes the
// settings.
func Parse() (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var s Settings
	if err := envconfig.Process("studio", &s); err != nil {
		return nil, err
	}

	switch s.HistoryBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unknown history backend %q", s.HistoryBackend)
	}
	if s.HistoryCapacity < 1 {
		return nil, fmt.Errorf("history capacity must be positive, got %d", s.HistoryCapacity)
	}
	if !slices.Contains(s.ModelCodes, s.DefaultModel) {
		return nil, fmt.Errorf("default model %q is not in model codes %v", s.DefaultModel, s.ModelCodes)
	}
	return &s, nil
}

// Load reads configuration from environment variables.
func Load() *Settings {
	s, err := Parse()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return s
}
