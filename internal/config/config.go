package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/example/stock-poller/internal/models"
	"github.com/example/stock-poller/internal/util"
)

// Supported data source adapters.
const (
	SourceYFinance     = "yfinance"
	SourceAlphaVantage = "alpha_vantage"
	SourcePolygon      = "polygon"
)

// Supported queue backends.
const (
	QueueSQS      = "sqs"
	QueueRabbitMQ = "rabbitmq"
	QueueKafka    = "kafka"
)

// Config captures all runtime configuration for the stock data poller.
// Every environment variable is read exactly once at startup; the rest of
// the process receives this struct and never touches the environment.
type Config struct {
	App       AppConfig
	Source    SourceConfig
	Queue     QueueConfig
	Poll      PollConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Metrics   MetricsConfig
	Health    HealthConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env                  string
	LogLevel             string
	ShutdownGraceSeconds int
}

// SourceConfig selects and parameterises the market data adapter.
type SourceConfig struct {
	Type                  string
	Symbols               []string
	AlphaVantageAPIKey    string
	PolygonAPIKey         string
	RequestTimeoutSeconds int
}

// SQSConfig holds the SQS backend settings.
type SQSConfig struct {
	QueueURL    string
	DLQQueueURL string
	Region      string
}

// RabbitMQConfig holds the RabbitMQ backend settings. Defaults mirror the
// values the deployment templates assume.
type RabbitMQConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	VHost      string
	Exchange   string
	QueueName  string
	DLQName    string
	RoutingKey string
}

// KafkaConfig holds the Kafka backend settings.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	DLQTopic string
}

// QueueConfig selects the queue backend and carries per-backend settings.
type QueueConfig struct {
	Type     string
	SQS      SQSConfig
	RabbitMQ RabbitMQConfig
	Kafka    KafkaConfig
}

// PollConfig controls the scheduling loop.
type PollConfig struct {
	IntervalSeconds        int
	MaxConsecutiveFailures int
}

// RateLimitConfig bounds outbound calls to the data source.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
}

// RetryConfig controls publisher retry and backoff behaviour.
type RetryConfig struct {
	MaxAttempts        int
	BaseBackoffSeconds int
	MaxBackoffSeconds  int
	WorkerConcurrency  int
}

// BreakerConfig controls the circuit breaker around backend calls.
type BreakerConfig struct {
	FailureThreshold int
	OpenSeconds      int
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// HealthConfig controls the health probe endpoint.
type HealthConfig struct {
	Port int
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance. All validation problems
// are collected and reported together, wrapped in models.ErrConfig.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.ShutdownGraceSeconds = ldr.getInt("SHUTDOWN_GRACE_SECONDS", 15, false)

	cfg.Source.Type = strings.ToLower(ldr.getString("STOCK_API_TYPE", "", true))
	cfg.Source.Symbols = ldr.getStringSlice("SYMBOLS", true)
	cfg.Source.AlphaVantageAPIKey = ldr.getString("ALPHA_VANTAGE_API_KEY", "", false)
	cfg.Source.PolygonAPIKey = ldr.getString("POLYGON_API_KEY", "", false)
	cfg.Source.RequestTimeoutSeconds = ldr.getInt("REQUEST_TIMEOUT_SECONDS", 30, false)

	cfg.Queue.Type = strings.ToLower(ldr.getString("QUEUE_TYPE", "", true))
	cfg.Queue.SQS.QueueURL = ldr.getString("SQS_QUEUE_URL", "", false)
	cfg.Queue.SQS.DLQQueueURL = ldr.getString("SQS_DLQ_QUEUE_URL", "", false)
	cfg.Queue.SQS.Region = ldr.getString("SQS_REGION", "us-east-1", false)
	cfg.Queue.RabbitMQ.Host = ldr.getString("RABBITMQ_HOST", "localhost", false)
	cfg.Queue.RabbitMQ.Port = ldr.getInt("RABBITMQ_PORT", 5672, false)
	cfg.Queue.RabbitMQ.User = ldr.getString("RABBITMQ_USER", "guest", false)
	cfg.Queue.RabbitMQ.Password = ldr.getString("RABBITMQ_PASS", "guest", false)
	cfg.Queue.RabbitMQ.VHost = ldr.getString("RABBITMQ_VHOST", "/", false)
	cfg.Queue.RabbitMQ.Exchange = ldr.getString("RABBITMQ_EXCHANGE", "", false)
	cfg.Queue.RabbitMQ.QueueName = ldr.getString("RABBITMQ_QUEUE_NAME", "stock_queue", false)
	cfg.Queue.RabbitMQ.DLQName = ldr.getString("RABBITMQ_DLQ_QUEUE_NAME", "", false)
	cfg.Queue.RabbitMQ.RoutingKey = ldr.getString("RABBITMQ_ROUTING_KEY", "", false)
	cfg.Queue.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Queue.Kafka.Topic = ldr.getString("KAFKA_TOPIC", "", false)
	cfg.Queue.Kafka.DLQTopic = ldr.getString("KAFKA_DLQ_TOPIC", "", false)

	if cfg.Queue.RabbitMQ.DLQName == "" {
		cfg.Queue.RabbitMQ.DLQName = cfg.Queue.RabbitMQ.QueueName + "_dlq"
	}
	if cfg.Queue.Kafka.DLQTopic == "" && cfg.Queue.Kafka.Topic != "" {
		cfg.Queue.Kafka.DLQTopic = cfg.Queue.Kafka.Topic + ".dlq"
	}

	cfg.Poll.IntervalSeconds = ldr.getInt("POLL_INTERVAL_SECONDS", 60, false)
	cfg.Poll.MaxConsecutiveFailures = ldr.getInt("MAX_CONSECUTIVE_FAILURES", 5, false)

	cfg.RateLimit.MaxRequests = ldr.getInt("RATE_LIMIT_MAX_REQUESTS", 5, false)
	cfg.RateLimit.WindowSeconds = ldr.getInt("RATE_LIMIT_WINDOW_SECONDS", 60, false)

	cfg.Retry.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 5, false)
	cfg.Retry.BaseBackoffSeconds = ldr.getInt("BASE_BACKOFF_SECONDS", 2, false)
	cfg.Retry.MaxBackoffSeconds = ldr.getInt("MAX_BACKOFF_SECONDS", 60, false)
	cfg.Retry.WorkerConcurrency = ldr.getInt("WORKER_CONCURRENCY", 4, false)

	cfg.Breaker.FailureThreshold = ldr.getInt("BREAKER_FAILURE_THRESHOLD", 5, false)
	cfg.Breaker.OpenSeconds = ldr.getInt("BREAKER_OPEN_SECONDS", 30, false)

	cfg.Metrics.Enabled = ldr.getBool("METRICS_ENABLED", true, false)
	cfg.Metrics.Port = ldr.getInt("METRICS_PORT", 8000, false)

	cfg.Health.Port = ldr.getInt("HEALTHCHECK_PORT", 8081, false)

	cfg.validate(ldr)

	if err := ldr.validate(); err != nil {
		return nil, models.WrapConfig(err)
	}

	return cfg, nil
}

// validate applies the cross-field rules that depend on the selected source
// and queue variants.
func (c *Config) validate(ldr *envLoader) {
	if len(c.Source.Symbols) > 0 {
		normalized, err := util.NormalizeSymbols(c.Source.Symbols)
		if err != nil {
			ldr.addError(fmt.Sprintf("SYMBOLS: %v", err))
		} else {
			c.Source.Symbols = normalized
		}
	}

	switch c.Source.Type {
	case SourceYFinance:
	case SourceAlphaVantage:
		if c.Source.AlphaVantageAPIKey == "" {
			ldr.addError("ALPHA_VANTAGE_API_KEY is required when STOCK_API_TYPE is alpha_vantage")
		}
	case SourcePolygon:
		if c.Source.PolygonAPIKey == "" {
			ldr.addError("POLYGON_API_KEY is required when STOCK_API_TYPE is polygon")
		}
	case "":
	default:
		ldr.addError(fmt.Sprintf("STOCK_API_TYPE must be one of yfinance, alpha_vantage, polygon; got %q", c.Source.Type))
	}

	switch c.Queue.Type {
	case QueueSQS:
		if c.Queue.SQS.QueueURL == "" {
			ldr.addError("SQS_QUEUE_URL is required when QUEUE_TYPE is sqs")
		}
	case QueueRabbitMQ:
	case QueueKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			ldr.addError("KAFKA_BROKERS is required when QUEUE_TYPE is kafka")
		}
		if c.Queue.Kafka.Topic == "" {
			ldr.addError("KAFKA_TOPIC is required when QUEUE_TYPE is kafka")
		}
	case "":
	default:
		ldr.addError(fmt.Sprintf("QUEUE_TYPE must be one of sqs, rabbitmq, kafka; got %q", c.Queue.Type))
	}

	if c.Poll.IntervalSeconds <= 0 {
		ldr.addError("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		ldr.addError("MAX_ATTEMPTS must be >= 1")
	}
	if c.Retry.WorkerConcurrency < 1 {
		ldr.addError("WORKER_CONCURRENCY must be >= 1")
	}
	if c.RateLimit.MaxRequests < 1 {
		ldr.addError("RATE_LIMIT_MAX_REQUESTS must be >= 1")
	}
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
