package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStreamConfigDefaults(t *testing.T) {
	cfg := NewStreamConfig(PlatformKafka)

	assert.Equal(t, PlatformKafka, cfg.Platform)
	assert.Equal(t, "kafka", cfg.Name)
	assert.Equal(t, "streambridge", cfg.Consumer.GroupID)
	assert.Equal(t, "all", cfg.Producer.Acks)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownPlatform(t *testing.T) {
	cfg := NewStreamConfig("rabbitmq")
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown platform")
}

func TestValidateRejectsMissingPlatform(t *testing.T) {
	cfg := &StreamConfig{}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeValues(t *testing.T) {
	cfg := NewStreamConfig(PlatformNATS)
	cfg.Reconnect.MaxAttempts = -1
	require.Error(t, cfg.Validate())

	cfg = NewStreamConfig(PlatformNATS)
	cfg.Consumer.MaxInFlight = -5
	require.Error(t, cfg.Validate())
}

func TestPlatformIsKnown(t *testing.T) {
	for _, p := range Platforms() {
		assert.True(t, p.IsKnown(), string(p))
	}
	assert.False(t, Platform("sqs").IsKnown())
}

func TestApplyEnvFallbacks(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg := NewStreamConfig(PlatformKafka)
	cfg.ApplyEnvFallbacks()

	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Connection.Brokers)
	assert.Equal(t, "localhost:6379", cfg.Connection.Addr)
	assert.Equal(t, "nats://localhost:4222", cfg.Connection.URL)
}

func TestApplyEnvFallbacksExplicitConfigWins(t *testing.T) {
	t.Setenv("REDIS_ADDR", "env-host:6379")

	cfg := NewStreamConfig(PlatformRedisStreams)
	cfg.Connection.Addr = "explicit-host:6379"
	cfg.ApplyEnvFallbacks()

	assert.Equal(t, "explicit-host:6379", cfg.Connection.Addr)
}

func TestRequireAcks(t *testing.T) {
	p := ProducerConfig{Acks: "all"}
	assert.True(t, p.RequireAcks())
	p.Acks = "one"
	assert.True(t, p.RequireAcks())
	p.Acks = "none"
	assert.False(t, p.RequireAcks())
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.yaml")
	content := `
platform: pulsar
name: orders
connection:
  service_url: pulsar://localhost:6650
consumer:
  topics:
    - orders-in
  group_id: order-workers
  from_beginning: true
producer:
  topic: orders-out
  compression: lz4
reconnect:
  max_attempts: 3
  base_delay: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, PlatformPulsar, cfg.Platform)
	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, "pulsar://localhost:6650", cfg.Connection.ServiceURL)
	assert.Equal(t, []string{"orders-in"}, cfg.Consumer.Topics)
	assert.Equal(t, "order-workers", cfg.Consumer.GroupID)
	assert.True(t, cfg.Consumer.FromBeginning)
	assert.Equal(t, "orders-out", cfg.Producer.Topic)
	assert.Equal(t, "lz4", cfg.Producer.Compression)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)

	// Defaults fill unset sections.
	assert.Equal(t, "all", cfg.Producer.Acks)
	assert.Equal(t, time.Second, cfg.Consumer.PollInterval)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platform: carrier-pigeon\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a , b "))
	assert.Equal(t, []string{"solo"}, splitAndTrim("solo"))
	assert.Empty(t, splitAndTrim(" , ,"))
}
