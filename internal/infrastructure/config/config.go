package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration surface: listen port, log level,
// stage label, region, database DSN, Kafka and Redis endpoints, event source,
// and retention and submission limits. The stage label selects the logger's
// output format and is the prefix ResourceName applies; the process does not
// apply it to topic, stream, or table names. Region, DeadLetterTopic,
// PoisonThreshold, EventBusName, MaxPayloadBytes, and SubmitRetryBudget are
// loaded but not read by any component: the dead-letter topic, poison
// threshold, event stream names, and submission limits are fixed in the
// queue, eventbus, and submission packages.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	Stage    string `yaml:"stage"` // selects the logger format; prefix used by ResourceName
	Region   string `yaml:"region"`

	DatabaseDSN string `yaml:"databaseDsn"`

	KafkaBrokers  []string `yaml:"kafkaBrokers"`
	QueueTopic    string   `yaml:"queueTopic"`
	DeadLetterTopic string `yaml:"deadLetterTopic"`
	PoisonThreshold int    `yaml:"poisonThreshold"`

	RedisAddr       string `yaml:"redisAddr"`
	EventBusName    string `yaml:"eventBusName"` // not read; stream names are fixed in the eventbus package
	EventSource     string `yaml:"eventSource"`  // the "source" field on every published envelope

	RunRetention      time.Duration `yaml:"runRetention"`
	NodeRetention     time.Duration `yaml:"nodeRetention"`
	MaxPayloadBytes   int           `yaml:"maxPayloadBytes"`
	SubmitRetryBudget int           `yaml:"submitRetryBudget"`
}

// Load reads configuration from environment variables, then overlays a YAML
// file named by WFCORE_CONFIG_FILE if one is set. Environment variables take
// precedence over defaults; the file overlay takes precedence over both,
// giving a "defaults < env < file" layering.
func Load() *Config {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Stage:           getEnv("STAGE", "dev"),
		Region:          getEnv("REGION", "us-east-1"),
		DatabaseDSN:     getEnv("DATABASE_DSN", ""),
		KafkaBrokers:    splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		QueueTopic:      getEnv("QUEUE_TOPIC", "wfcore-runs"),
		DeadLetterTopic: getEnv("DEAD_LETTER_TOPIC", "wfcore-runs-dlq"),
		PoisonThreshold: getEnvInt("POISON_THRESHOLD", 5),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		EventBusName:    getEnv("EVENT_BUS_NAME", "wfcore-events"),
		EventSource:     getEnv("EVENT_SOURCE", "wfcore.workflow.execution"),
		RunRetention:      getEnvDuration("RUN_RETENTION", 30*24*time.Hour),
		NodeRetention:     getEnvDuration("NODE_RETENTION", 7*24*time.Hour),
		MaxPayloadBytes:   getEnvInt("MAX_PAYLOAD_BYTES", 256*1024),
		SubmitRetryBudget: getEnvInt("SUBMIT_RETRY_BUDGET", 3),
	}

	if path := os.Getenv("WFCORE_CONFIG_FILE"); path != "" {
		if err := overlayFromFile(cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "config: failed to load overlay %s: %v\n", path, err)
		}
	}

	return cfg
}

func overlayFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GetPortInt returns the port as an integer.
func (c *Config) GetPortInt() int {
	p, _ := strconv.Atoi(c.Port)
	return p
}

// ResourceName prefixes a logical resource name with the stage label, e.g.
// "dev-wfcore-runs".
func (c *Config) ResourceName(name string) string {
	return c.Stage + "-" + name
}
