package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override, e.g. POSTRELAY_QUEUE_NAME.
const EnvPrefix = "POSTRELAY_"

// LookupEnv is swapped in tests.
var LookupEnv = os.LookupEnv

// Load resolves the configuration from defaults, then the optional TOML file
// at path, then POSTRELAY_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

type envBinding struct {
	key string
	set func(*Config, string) error
}

func stringVar(get func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*get(c) = v
		return nil
	}
}

func listVar(get func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*get(c) = out
		return nil
	}
}

func intVar(get func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*get(c) = n
		return nil
	}
}

func int64Var(get func(*Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*get(c) = n
		return nil
	}
}

func boolVar(get func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*get(c) = b
		return nil
	}
}

func float64Var(get func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*get(c) = f
		return nil
	}
}

func durationVar(get func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*get(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"QUEUE_SYSTEM", stringVar(func(c *Config) *string { return &c.QueueSystem })},
	{"QUEUE_NAME", stringVar(func(c *Config) *string { return &c.QueueName })},
	{"POISON_QUEUE", stringVar(func(c *Config) *string { return &c.PoisonQueue })},
	{"CONSUMER_TAG", stringVar(func(c *Config) *string { return &c.ConsumerTag })},
	{"PREFETCH_COUNT", intVar(func(c *Config) *int { return &c.PrefetchCount })},
	{"KAFKA_BROKERS", listVar(func(c *Config) *[]string { return &c.KafkaBrokers })},
	{"KAFKA_CONSUMER_GROUP", stringVar(func(c *Config) *string { return &c.KafkaConsumerGroup })},
	{"RABBITMQ_URL", stringVar(func(c *Config) *string { return &c.RabbitMQURL })},
	{"NATS_URL", stringVar(func(c *Config) *string { return &c.NATSURL })},
	{"QUEUE_DATABASE_URL", stringVar(func(c *Config) *string { return &c.QueueDatabaseURL })},
	{"AWS_REGION", stringVar(func(c *Config) *string { return &c.AWSRegion })},
	{"AWS_ACCOUNT_ID", stringVar(func(c *Config) *string { return &c.AWSAccountID })},
	{"AWS_ACCESS_KEY_ID", stringVar(func(c *Config) *string { return &c.AWSAccessKeyID })},
	{"AWS_SECRET_ACCESS_KEY", stringVar(func(c *Config) *string { return &c.AWSSecretAccessKey })},
	{"AWS_ENDPOINT", stringVar(func(c *Config) *string { return &c.AWSEndpoint })},
	{"PRODUCER_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.ProducerInterval })},
	{"RELAY_THROTTLE", int64Var(func(c *Config) *int64 { return &c.RelayThrottle })},
	{"HTTP_ADDRESS", stringVar(func(c *Config) *string { return &c.HTTPAddress })},
	{"SHUTDOWN_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.ShutdownTimeout })},
	{"ENQUEUE_RATE_LIMIT", float64Var(func(c *Config) *float64 { return &c.EnqueueRateLimit })},
	{"ENQUEUE_BURST", intVar(func(c *Config) *int { return &c.EnqueueBurst })},
	{"DATABASE_DRIVER", stringVar(func(c *Config) *string { return &c.DatabaseDriver })},
	{"DATABASE_URL", stringVar(func(c *Config) *string { return &c.DatabaseURL })},
	{"SESSION_BUFFER_SIZE", intVar(func(c *Config) *int { return &c.SessionBufferSize })},
	{"ALLOWED_ORIGINS", listVar(func(c *Config) *[]string { return &c.AllowedOrigins })},
	{"METRICS_ENABLED", boolVar(func(c *Config) *bool { return &c.MetricsEnabled })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.LogLevel })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.LogFormat })},
}

func applyEnv(cfg *Config) error {
	for _, b := range envBindings {
		v, ok := LookupEnv(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}
