package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	original := LookupEnv
	LookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	t.Cleanup(func() { LookupEnv = original })
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	withEnv(t, nil)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueSystem, cfg.QueueSystem)
	assert.Equal(t, DefaultHTTPAddress, cfg.HTTPAddress)
	assert.Equal(t, DefaultDatabaseDriver, cfg.DatabaseDriver)
}

func TestLoadReadsTOMLFile(t *testing.T) {
	withEnv(t, nil)

	path := filepath.Join(t.TempDir(), "postrelay.toml")
	body := `
queue_system = "kafka"
queue_name = "posts"
poison_queue = "posts_poison"
kafka_brokers = ["k1:9092", "k2:9092"]
producer_interval = "250ms"
database_driver = "sqlite3"
database_url = "file:posts.db"
allowed_origins = ["https://example.com"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "kafka", cfg.QueueSystem)
	assert.Equal(t, "posts", cfg.QueueName)
	assert.Equal(t, "posts_poison", cfg.PoisonQueue)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, cfg.ProducerInterval)
	assert.Equal(t, "sqlite3", cfg.DatabaseDriver)
	assert.Equal(t, []string{"https://example.com"}, cfg.AllowedOrigins)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultSessionBuffer, cfg.SessionBufferSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`queue_name = "from_file"`), 0o600))

	withEnv(t, map[string]string{
		"POSTRELAY_QUEUE_NAME":          "from_env",
		"POSTRELAY_KAFKA_BROKERS":       "a:1, b:2 ,",
		"POSTRELAY_QUEUE_SYSTEM":        "kafka",
		"POSTRELAY_RELAY_THROTTLE":      "20",
		"POSTRELAY_METRICS_ENABLED":     "false",
		"POSTRELAY_SESSION_BUFFER_SIZE": "4",
		"POSTRELAY_SHUTDOWN_TIMEOUT":    "3s",
		"POSTRELAY_ENQUEUE_RATE_LIMIT":  "2.5",
		"POSTRELAY_ENQUEUE_BURST":       "5",
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.QueueName)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	assert.EqualValues(t, 20, cfg.RelayThrottle)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, 4, cfg.SessionBufferSize)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.InDelta(t, 2.5, cfg.EnqueueRateLimit, 0.0001)
	assert.Equal(t, 5, cfg.EnqueueBurst)
}

func TestLoadRejectsBadEnvValue(t *testing.T) {
	withEnv(t, map[string]string{"POSTRELAY_PRODUCER_INTERVAL": "soon"})

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTRELAY_PRODUCER_INTERVAL")
}

func TestLoadRejectsInvalidResult(t *testing.T) {
	withEnv(t, map[string]string{"POSTRELAY_DATABASE_DRIVER": "postgres"})

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database: URL is required")
}

func TestLoadMissingFile(t *testing.T) {
	withEnv(t, nil)

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
