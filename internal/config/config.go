// Package config loads broker configuration from a YAML file layered with
// environment-variable overrides: the file supplies structural defaults,
// the environment wins, so container deployments can override any knob
// without editing a file.
package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every option the broker core recognizes.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Broker  BrokerConfig  `yaml:"broker"`
	Pool    PoolConfig    `yaml:"pool"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig identifies this process to the rest of the mesh.
type ServiceConfig struct {
	Name              string `yaml:"name" env:"SERVICE_NAME" env-default:"broker-core"`
	DefaultReplyTopic string `yaml:"default_reply_topic" env:"SERVICE_DEFAULT_REPLY_TOPIC"`
}

// BrokerConfig configures both the external transport endpoint and the
// relational queue endpoint.
type BrokerConfig struct {
	Host string `yaml:"host" env:"BROKER_HOST" env-default:"localhost"`
	Port int    `yaml:"port" env:"BROKER_PORT" env-default:"9092"`

	Queue QueueConfig `yaml:"queue"`
}

// QueueConfig configures the relational producer/consumer queue tables.
type QueueConfig struct {
	Host     string `yaml:"host" env:"BROKER_QUEUE_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"BROKER_QUEUE_PORT" env-default:"5432"`
	Database string `yaml:"database" env:"BROKER_QUEUE_DATABASE" env-default:"broker"`
	User     string `yaml:"user" env:"BROKER_QUEUE_USER" env-default:"broker"`
	Password string `yaml:"password" env:"BROKER_QUEUE_PASSWORD"`

	Records     int `yaml:"records" env:"BROKER_QUEUE_RECORDS" env-default:"10"`
	Retry       int `yaml:"retry" env:"BROKER_QUEUE_RETRY" env-default:"5"`
	Concurrency int `yaml:"concurrency" env:"BROKER_QUEUE_CONCURRENCY" env-default:"8"`
}

// DSN renders a libpq-style connection string for pgx.
func (q QueueConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", q.User, q.Password, q.Host, q.Port, q.Database)
}

// PoolConfig configures the dynamic reply-topic pool.
type PoolConfig struct {
	MaxSize int `yaml:"maxsize" env:"POOL_MAXSIZE" env-default:"5"`
	Recycle int `yaml:"recycle" env:"POOL_RECYCLE" env-default:"3600"`
}

// ObservabilityConfig is the ambient stack's knobs: logging, tracing, and
// metrics.
type ObservabilityConfig struct {
	LogLevel        string  `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	TracingEnabled  bool    `yaml:"tracing_enabled" env:"TRACING_ENABLED" env-default:"false"`
	TracingEndpoint string  `yaml:"tracing_endpoint" env:"TRACING_ENDPOINT"`
	SampleRate      float64 `yaml:"tracing_sample_rate" env:"TRACING_SAMPLE_RATE" env-default:"1.0"`
	MetricsAddr     string  `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:":9464"`
}

// Load reads a YAML config file (if path is nonempty and exists), then
// layers environment variables (and a local .env file, for development)
// on top via cleanenv — file provides defaults, environment wins.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	_ = godotenv.Load() // best-effort; absence of .env is not an error

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Broker.Queue.Records <= 0 {
		return fmt.Errorf("broker.queue.records must be positive")
	}
	if c.Broker.Queue.Retry <= 0 {
		return fmt.Errorf("broker.queue.retry must be positive")
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.maxsize must be positive")
	}
	return nil
}
