// Package streambridge provides a unified connector layer for streaming
// platforms. One contract — connect, consume, produce, disconnect — covers
// Apache Kafka, Apache Pulsar, AWS Kinesis, Google Pub/Sub, Azure Event
// Hubs, Redis Streams and NATS; a workflow switches platforms by changing
// one configuration value.
//
// # Architecture
//
// Every platform connector embeds the shared base connector, which owns
// the pieces that behave identically everywhere:
//
//  1. Connection lifecycle: a small state machine (disconnected,
//     connecting, connected, consuming, producing, reconnecting, failed)
//     mirrored into Prometheus gauges.
//
//  2. Reconnect policy: exponential backoff (base delay doubling per
//     attempt) with a bounded attempt budget; exhausting the budget moves
//     the connector into a terminal failed state instead of silently
//     retrying forever.
//
//  3. Cooperative shutdown: Disconnect clears a consuming flag that every
//     consumption loop checks at its iteration boundary, so in-flight
//     handler calls always complete.
//
//  4. Throughput accounting: per-connector counters plus shared
//     Prometheus vectors, all labeled by platform and connector name.
//
// Platform differences stay inside the platform packages: ack/nack
// semantics, shard/partition handling, batch size limits, and error
// classification into the shared taxonomy (connection, transient,
// throttling, payload, unavailable, handler, config, timeout, internal).
//
// # Quick Start
//
// Consume from Kafka:
//
//	import (
//	    "context"
//	    "github.com/nexflow/streambridge/pkg/config"
//	    "github.com/nexflow/streambridge/pkg/connector"
//	    "github.com/nexflow/streambridge/pkg/connector/core"
//	)
//
//	cfg := config.NewStreamConfig(config.PlatformKafka)
//	cfg.Connection.Brokers = []string{"localhost:9092"}
//	cfg.Consumer.Topics = []string{"orders"}
//
//	client, err := connector.Open(cfg)
//	if err != nil { ... }
//
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Disconnect(ctx)
//
//	err = client.Consume(ctx, func(ctx context.Context, ev *core.StreamEvent) error {
//	    // ev.Value is decoded JSON when the payload parses, raw string otherwise
//	    return nil
//	})
//
// # Key Packages
//
//	pkg/connector           - Registry wiring and the Open entry point
//	pkg/connector/core      - PlatformClient contract, StreamEvent, states
//	pkg/connector/base      - Shared lifecycle, reconnect, batch splitting
//	pkg/connector/platforms - One package per streaming platform
//	pkg/config              - Unified StreamConfig with env fallbacks
//	pkg/errors              - Structured error taxonomy
//	pkg/logger              - Structured logging
//	pkg/metrics             - Prometheus collectors
//
// # Extensions
//
// Platforms with a physical batch API additionally implement
// core.BatchProducer; key-affine splitting and partial-failure accounting
// are shared. Pub/Sub implements core.Provisioner for idempotent topic
// and subscription creation.
package streambridge
