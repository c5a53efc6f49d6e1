// Package core defines the contracts shared by every streaming-platform
// connector: the PlatformClient interface, the wire-level StreamEvent,
// throughput accounting, and the connection lifecycle states.
//
// The workflow engine drives a connector through exactly four calls per
// lifetime: Connect, then either Consume (long-running) or repeated
// Produce/ProduceBatch, then Disconnect. A connector instance is never
// shared across two logical consumers or producers simultaneously.
package core

import "context"

// EventHandler processes one inbound event. Handlers run one invocation at
// a time per connector; the outcome of a handler error is platform-dependent:
// ack/nack-capable platforms (Pulsar, Pub/Sub) negatively acknowledge the
// message for broker redelivery, while auto-commit platforms (Kafka,
// Kinesis, Event Hubs, Redis Streams) log the error and continue.
type EventHandler func(ctx context.Context, event *StreamEvent) error

// PlatformClient is the contract every platform connector satisfies.
type PlatformClient interface {
	// Connect establishes broker connectivity, initializes consumer and/or
	// producer sub-clients per the bound configuration, verifies
	// reachability, and resets the reconnect-attempt counter. Fails with a
	// connection-class error on unreachable brokers or bad credentials.
	Connect(ctx context.Context) error

	// Disconnect cooperatively shuts the connector down: it clears the
	// consuming flag so the consumption loop exits at its next iteration
	// boundary, then closes subscriptions, producers, and connections.
	// Safe to call even if Connect partially failed.
	Disconnect(ctx context.Context) error

	// Consume runs the platform's consumption loop until Disconnect clears
	// the consuming flag, the context is cancelled, or an unrecoverable
	// error occurs. Every inbound broker message is normalized into a
	// StreamEvent and delivered to handler.
	Consume(ctx context.Context, handler EventHandler) error

	// Produce sends one event, honoring the configured acknowledgment
	// level. Oversized payloads fail the call immediately without retry.
	Produce(ctx context.Context, event *StreamEvent) error

	// IsConnected reports connectivity without blocking or mutating state.
	IsConnected() bool

	// State reports the current lifecycle state.
	State() ConnState

	// Metrics returns a point-in-time throughput snapshot.
	Metrics() MetricsSnapshot
}

// BatchProducer is the optional extension implemented by platforms with a
// physical batch API (Kinesis, Pulsar, Pub/Sub, Event Hubs). ProduceBatch
// groups events by partition/ordering key where the platform requires key
// affinity, splits any group exceeding the platform's batch-size limit into
// multiple physical batches, and aggregates partial failures. The returned
// count is the number of successfully sent events; individual record
// failures are logged, never silently dropped.
type BatchProducer interface {
	PlatformClient

	ProduceBatch(ctx context.Context, events []*StreamEvent) (int, error)
}

// Provisioner is the optional administrative extension exposed by
// connectors that can create their own resources (Pub/Sub). Calls are
// idempotent: creating a resource that already exists is a no-op.
type Provisioner interface {
	CreateTopic(ctx context.Context, topic string) error
	CreateSubscription(ctx context.Context, topic, subscription string) error
}
