// Package connector ties the platform implementations to the registry.
// Importing it and calling RegisterAll makes every platform in this build
// available through a single Open call:
//
//	connector.RegisterAll()
//
//	cfg := config.NewStreamConfig(config.PlatformKafka)
//	cfg.Connection.Brokers = []string{"localhost:9092"}
//
//	client, err := connector.Open(cfg)
package connector

import (
	"sync"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/connector/platforms/eventhubs"
	"github.com/nexflow/streambridge/pkg/connector/platforms/kafka"
	"github.com/nexflow/streambridge/pkg/connector/platforms/kinesis"
	"github.com/nexflow/streambridge/pkg/connector/platforms/nats"
	"github.com/nexflow/streambridge/pkg/connector/platforms/pubsub"
	"github.com/nexflow/streambridge/pkg/connector/platforms/pulsar"
	"github.com/nexflow/streambridge/pkg/connector/platforms/redisstream"
	"github.com/nexflow/streambridge/pkg/connector/registry"
)

var registerOnce sync.Once

// RegisterAll registers every platform connector in the global registry.
// Safe to call from multiple packages; registration happens once.
func RegisterAll() {
	registerOnce.Do(func() {
		// Registration of a fixed, disjoint platform set cannot collide.
		_ = registry.Register(config.PlatformKafka, kafka.New)
		_ = registry.Register(config.PlatformPulsar, pulsar.New)
		_ = registry.Register(config.PlatformKinesis, kinesis.New)
		_ = registry.Register(config.PlatformPubSub, pubsub.New)
		_ = registry.Register(config.PlatformEventHubs, eventhubs.New)
		_ = registry.Register(config.PlatformRedisStreams, redisstream.New)
		_ = registry.Register(config.PlatformNATS, nats.New)
	})
}

// Open registers all platforms and instantiates the connector selected by
// cfg.Platform.
func Open(cfg *config.StreamConfig) (core.PlatformClient, error) {
	RegisterAll()
	return registry.Open(cfg)
}

// Platforms returns the platforms available through Open.
func Platforms() []config.Platform {
	RegisterAll()
	return registry.Platforms()
}
