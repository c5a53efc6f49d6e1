// Package config provides the unified configuration system for StreamBridge.
// It defines a single StreamConfig structure that binds to exactly one
// connector instance for that instance's lifetime.
//
// The configuration is organized into logical sections:
//   - Connection: Platform-specific endpoints and credentials
//   - Consumer: Topics, group membership, offsets, flow control
//   - Producer: Target topic, acknowledgment level, batching
//   - Reconnect: Backoff policy applied on transient failures
//
// Credentials accept environment-variable fallbacks when absent from the
// Connection section, so deployments can keep secrets out of config files.
//
// Example usage:
//
//	cfg := config.NewStreamConfig(config.PlatformKafka)
//	cfg.Connection.Brokers = []string{"localhost:9092"}
//	cfg.Consumer.Topics = []string{"orders"}
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Platform identifies a supported streaming platform.
type Platform string

const (
	PlatformKafka        Platform = "kafka"
	PlatformPulsar       Platform = "pulsar"
	PlatformKinesis      Platform = "kinesis"
	PlatformPubSub       Platform = "pubsub"
	PlatformEventHubs    Platform = "eventhubs"
	PlatformRedisStreams Platform = "redis-streams"
	PlatformNATS         Platform = "nats"
)

// Platforms lists every platform identifier the connector layer knows about.
func Platforms() []Platform {
	return []Platform{
		PlatformKafka,
		PlatformPulsar,
		PlatformKinesis,
		PlatformPubSub,
		PlatformEventHubs,
		PlatformRedisStreams,
		PlatformNATS,
	}
}

// IsKnown reports whether p names one of the supported platforms.
func (p Platform) IsKnown() bool {
	for _, known := range Platforms() {
		if p == known {
			return true
		}
	}
	return false
}

// StreamConfig is the single configuration structure all connectors use.
// Exactly one StreamConfig binds to one connector instance for its lifetime.
type StreamConfig struct {
	// Platform selects the connector implementation
	Platform Platform `yaml:"platform" json:"platform" mapstructure:"platform"`

	// Name identifies the connector instance in logs and metrics
	Name string `yaml:"name" json:"name" mapstructure:"name"`

	// Connection holds platform-specific endpoint and credential settings
	Connection ConnectionConfig `yaml:"connection" json:"connection" mapstructure:"connection"`

	// Consumer holds consumption settings
	Consumer ConsumerConfig `yaml:"consumer" json:"consumer" mapstructure:"consumer"`

	// Producer holds production settings
	Producer ProducerConfig `yaml:"producer" json:"producer" mapstructure:"producer"`

	// Reconnect holds the shared backoff policy
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect" mapstructure:"reconnect"`
}

// ConnectionConfig contains platform-specific endpoint and credential
// settings. Only the fields relevant to the selected platform are read;
// the rest are ignored by that connector.
type ConnectionConfig struct {
	// Brokers is the Kafka bootstrap broker list
	Brokers []string `yaml:"brokers" json:"brokers" mapstructure:"brokers"`
	// ServiceURL is the Pulsar service URL (pulsar://host:6650)
	ServiceURL string `yaml:"service_url" json:"service_url" mapstructure:"service_url"`
	// Region is the AWS region for Kinesis
	Region string `yaml:"region" json:"region" mapstructure:"region"`
	// StreamName is the Kinesis stream name
	StreamName string `yaml:"stream_name" json:"stream_name" mapstructure:"stream_name"`
	// ProjectID is the Google Cloud project for Pub/Sub
	ProjectID string `yaml:"project_id" json:"project_id" mapstructure:"project_id"`
	// ConnectionString is the Event Hubs namespace connection string
	ConnectionString string `yaml:"connection_string" json:"connection_string" mapstructure:"connection_string"`
	// EventHubName is the Event Hubs entity name
	EventHubName string `yaml:"event_hub_name" json:"event_hub_name" mapstructure:"event_hub_name"`
	// Addr is the Redis host:port
	Addr string `yaml:"addr" json:"addr" mapstructure:"addr"`
	// Password is the Redis password
	Password string `yaml:"password" json:"password" mapstructure:"password"`
	// DB is the Redis database index
	DB int `yaml:"db" json:"db" mapstructure:"db"`
	// URL is the NATS server URL (nats://host:4222)
	URL string `yaml:"url" json:"url" mapstructure:"url"`
}

// ConsumerConfig contains consumption settings shared across platforms.
type ConsumerConfig struct {
	// Topics to subscribe to (topic names, streams, subjects, or a
	// single Pub/Sub subscription ID depending on platform)
	Topics []string `yaml:"topics" json:"topics" mapstructure:"topics"`
	// GroupID names the consumer group / subscription
	GroupID string `yaml:"group_id" json:"group_id" mapstructure:"group_id"`
	// FromBeginning starts consumption at the earliest retained record
	FromBeginning bool `yaml:"from_beginning" json:"from_beginning" mapstructure:"from_beginning"`
	// SessionTimeout bounds group-membership liveness
	SessionTimeout time.Duration `yaml:"session_timeout" json:"session_timeout" mapstructure:"session_timeout"`
	// MaxBytesPerPartition caps per-partition fetch sizes
	MaxBytesPerPartition int `yaml:"max_bytes_per_partition" json:"max_bytes_per_partition" mapstructure:"max_bytes_per_partition"`
	// AutoCommit enables broker-side offset auto-commit where supported
	AutoCommit bool `yaml:"auto_commit" json:"auto_commit" mapstructure:"auto_commit"`
	// AutoCommitInterval is the auto-commit flush interval
	AutoCommitInterval time.Duration `yaml:"auto_commit_interval" json:"auto_commit_interval" mapstructure:"auto_commit_interval"`
	// MaxInFlight bounds unacknowledged messages for flow-controlled
	// platforms (Pub/Sub)
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight" mapstructure:"max_in_flight"`
	// PollInterval is the idle delay between poll rounds for poll-based
	// consumers (Kinesis, Redis Streams)
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" mapstructure:"poll_interval"`
}

// ProducerConfig contains production settings shared across platforms.
type ProducerConfig struct {
	// Topic is the production target (topic, stream, hub, subject)
	Topic string `yaml:"topic" json:"topic" mapstructure:"topic"`
	// Acks is the acknowledgment level: "all", "one" or "none"
	Acks string `yaml:"acks" json:"acks" mapstructure:"acks"`
	// Timeout bounds a single produce or batch call
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	// Compression selects the codec: none, gzip, snappy, lz4, zstd
	Compression string `yaml:"compression" json:"compression" mapstructure:"compression"`
	// Idempotent enables idempotent production where supported
	Idempotent bool `yaml:"idempotent" json:"idempotent" mapstructure:"idempotent"`
	// MaxInFlight caps in-flight produce requests
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight" mapstructure:"max_in_flight"`
	// BatchMaxMessages caps client-side batch sizes (Pulsar, Pub/Sub)
	BatchMaxMessages int `yaml:"batch_max_messages" json:"batch_max_messages" mapstructure:"batch_max_messages"`
	// BatchMaxDelay caps how long a client-side batch may linger
	BatchMaxDelay time.Duration `yaml:"batch_max_delay" json:"batch_max_delay" mapstructure:"batch_max_delay"`
}

// ReconnectConfig describes the exponential backoff policy every connector
// applies identically on transient failures.
type ReconnectConfig struct {
	// MaxAttempts is the attempt budget before the connector fails terminally
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" mapstructure:"max_attempts"`
	// BaseDelay is the first retry delay; attempt n waits BaseDelay * 2^(n-1)
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" mapstructure:"base_delay"`
}

// NewStreamConfig creates a StreamConfig for the given platform with
// production-ready defaults. Specific deployments override as needed.
func NewStreamConfig(platform Platform) *StreamConfig {
	return &StreamConfig{
		Platform: platform,
		Name:     string(platform),
		Consumer: ConsumerConfig{
			GroupID:              "streambridge",
			FromBeginning:        false,
			SessionTimeout:       30 * time.Second,
			MaxBytesPerPartition: 1 << 20, // 1MB
			AutoCommit:           true,
			AutoCommitInterval:   5 * time.Second,
			MaxInFlight:          1000,
			PollInterval:         time.Second,
		},
		Producer: ProducerConfig{
			Acks:             "all",
			Timeout:          30 * time.Second,
			Compression:      "none",
			Idempotent:       false,
			MaxInFlight:      5,
			BatchMaxMessages: 100,
			BatchMaxDelay:    10 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
		},
	}
}

// Validate validates the configuration for correctness. Connectors call
// this before Connect to catch errors early.
func (c *StreamConfig) Validate() error {
	if c.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	if !c.Platform.IsKnown() {
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts cannot be negative")
	}
	if c.Reconnect.BaseDelay < 0 {
		return fmt.Errorf("reconnect.base_delay cannot be negative")
	}
	if c.Consumer.MaxInFlight < 0 {
		return fmt.Errorf("consumer.max_in_flight cannot be negative")
	}
	if c.Producer.MaxInFlight < 0 {
		return fmt.Errorf("producer.max_in_flight cannot be negative")
	}
	return nil
}

// ApplyEnvFallbacks fills credential and endpoint fields from environment
// variables when they are absent from the Connection section. Explicit
// configuration always wins over the environment.
func (c *StreamConfig) ApplyEnvFallbacks() {
	conn := &c.Connection

	if len(conn.Brokers) == 0 {
		if v := os.Getenv("KAFKA_BROKERS"); v != "" {
			conn.Brokers = splitAndTrim(v)
		}
	}
	if conn.ServiceURL == "" {
		conn.ServiceURL = os.Getenv("PULSAR_SERVICE_URL")
	}
	if conn.Region == "" {
		conn.Region = os.Getenv("AWS_REGION")
	}
	if conn.ProjectID == "" {
		conn.ProjectID = os.Getenv("PUBSUB_PROJECT_ID")
	}
	if conn.ConnectionString == "" {
		conn.ConnectionString = os.Getenv("EVENTHUBS_CONNECTION_STRING")
	}
	if conn.Addr == "" {
		conn.Addr = os.Getenv("REDIS_ADDR")
	}
	if conn.Password == "" {
		conn.Password = os.Getenv("REDIS_PASSWORD")
	}
	if conn.URL == "" {
		conn.URL = os.Getenv("NATS_URL")
	}
}

// RequireAcks reports whether the configured acknowledgment level expects
// broker confirmation before a produce call completes.
func (p *ProducerConfig) RequireAcks() bool {
	return p.Acks != "none"
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
