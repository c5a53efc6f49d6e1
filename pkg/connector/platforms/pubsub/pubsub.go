// Package pubsub implements the Google Pub/Sub platform connector on top
// of the cloud.google.com/go/pubsub client.
//
// Consumption is push-style: the subscription client invokes a callback
// per message under flow control bounded by the configured max in-flight
// count. Pub/Sub supports per-message acknowledgment, so a handler error
// negatively acknowledges the message and the broker redelivers it.
//
// The connector also exposes idempotent CreateTopic/CreateSubscription
// provisioning helpers; they are not part of the core produce/consume
// contract.
package pubsub

import (
	"context"
	"sync"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/base"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
	"github.com/nexflow/streambridge/pkg/metrics"
)

// Connector is the Google Pub/Sub platform connector.
type Connector struct {
	*base.Connector

	client *gpubsub.Client
	topic  *gpubsub.Topic

	// handlerMu serializes handler invocations across callback goroutines
	handlerMu sync.Mutex
	connMu    sync.Mutex
}

// New creates a Pub/Sub connector bound to cfg.
func New(cfg *config.StreamConfig) (core.PlatformClient, error) {
	if cfg.Connection.ProjectID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "pubsub requires connection.project_id")
	}
	return &Connector{Connector: base.NewConnector(cfg)}, nil
}

// Connect creates the client and binds the producer topic when one is
// configured. The topic existence check doubles as the reachability probe.
func (c *Connector) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.SetState(core.StateConnecting)

	client, err := gpubsub.NewClient(ctx, c.Config().Connection.ProjectID)
	if err != nil {
		c.SetState(core.StateDisconnected)
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create pubsub client")
	}
	c.client = client

	if topicID := c.Config().Producer.Topic; topicID != "" {
		topic := client.Topic(topicID)
		exists, err := topic.Exists(ctx)
		if err != nil {
			c.closeHandles()
			c.SetState(core.StateDisconnected)
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach pubsub")
		}
		if !exists {
			c.closeHandles()
			c.SetState(core.StateDisconnected)
			return errors.Newf(errors.ErrorTypeConnection, "pubsub topic %s does not exist", topicID)
		}

		topic.EnableMessageOrdering = true
		topic.PublishSettings.CountThreshold = c.Config().Producer.BatchMaxMessages
		topic.PublishSettings.DelayThreshold = c.Config().Producer.BatchMaxDelay
		if c.Config().Producer.Timeout > 0 {
			topic.PublishSettings.Timeout = c.Config().Producer.Timeout
		}
		c.topic = topic
	}

	c.Reconnect().Reset()
	c.Throughput().MarkConnected()
	c.SetState(core.StateConnected)
	c.Logger().Info("connected", zap.String("project", c.Config().Connection.ProjectID))
	return nil
}

// Disconnect cooperatively shuts the connector down.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.StopConsuming()

	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closeHandles()
	c.Throughput().MarkDisconnected()
	if c.State() != core.StateFailed {
		c.SetState(core.StateDisconnected)
	}
	c.Logger().Info("disconnected")
	return nil
}

func (c *Connector) closeHandles() {
	if c.topic != nil {
		c.topic.Stop()
		c.topic = nil
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.Logger().Warn("failed to close client", zap.Error(err))
		}
		c.client = nil
	}
}

func (c *Connector) reconnectHandles(ctx context.Context) error {
	c.connMu.Lock()
	c.closeHandles()
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Consume receives from the configured subscription until Disconnect
// clears the consuming flag. Flow control caps in-flight messages at the
// configured consumer max so memory stays bounded.
func (c *Connector) Consume(ctx context.Context, handler core.EventHandler) error {
	if len(c.Config().Consumer.Topics) == 0 {
		return errors.New(errors.ErrorTypeConfig, "pubsub requires a subscription ID in consumer.topics")
	}
	subscriptionID := c.Config().Consumer.Topics[0]

	if err := c.BeginConsuming(); err != nil {
		return err
	}
	defer c.EndConsuming()

	op := func(ctx context.Context) error {
		c.connMu.Lock()
		client := c.client
		c.connMu.Unlock()
		if client == nil {
			return errors.New(errors.ErrorTypeConnection, "client is not initialized")
		}

		sub := client.Subscription(subscriptionID)
		sub.ReceiveSettings.MaxOutstandingMessages = c.Config().Consumer.MaxInFlight

		// Receive blocks until its context is cancelled; a watcher
		// cancels it when Disconnect clears the consuming flag.
		rctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go c.watchConsumingFlag(rctx, cancel)

		err := sub.Receive(rctx, func(mctx context.Context, msg *gpubsub.Message) {
			event := eventFromMessage(msg)

			c.handlerMu.Lock()
			c.AccountConsumed(len(msg.Data))
			herr := handler(mctx, event)
			c.handlerMu.Unlock()

			if herr != nil {
				c.AccountHandlerError()
				c.Logger().Error("handler failed, nacking for redelivery",
					zap.String("message_id", msg.ID),
					zap.Error(herr))
				msg.Nack()
				return
			}
			msg.Ack()
		})

		if err != nil && ctx.Err() == nil && c.Consuming() {
			return classify(err, "pubsub receive failed")
		}
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// watchConsumingFlag cancels the receive context once the cooperative
// consuming flag clears.
func (c *Connector) watchConsumingFlag(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Consuming() {
				cancel()
				return
			}
		}
	}
}

// Produce publishes one message and waits for the server-assigned ID.
func (c *Connector) Produce(ctx context.Context, event *core.StreamEvent) error {
	payload, err := core.EncodeValue(event.Value)
	if err != nil {
		return err
	}

	op := func(ctx context.Context) error {
		c.connMu.Lock()
		topic := c.topic
		c.connMu.Unlock()
		if topic == nil {
			return errors.New(errors.ErrorTypeConnection, "producer topic is not initialized")
		}

		result := topic.Publish(ctx, &gpubsub.Message{
			Data:        payload,
			OrderingKey: event.Key,
			Attributes:  event.Headers,
		})
		if _, err := result.Get(ctx); err != nil {
			if event.Key != "" {
				// A failed ordered publish pauses the key; resume so
				// later sends are not rejected.
				topic.ResumePublish(event.Key)
			}
			return classify(err, "pubsub publish failed")
		}
		c.AccountProduced(1, len(payload))
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// ProduceBatch publishes events through the client-side batcher in slices
// bounded by the configured batch maximum, preserving ordering-key
// affinity. Partial failures are logged and subtracted from the returned
// success count.
func (c *Connector) ProduceBatch(ctx context.Context, events []*core.StreamEvent) (int, error) {
	c.connMu.Lock()
	topic := c.topic
	c.connMu.Unlock()
	if topic == nil {
		return 0, errors.New(errors.ErrorTypeConnection, "producer topic is not initialized")
	}

	limit := c.Config().Producer.BatchMaxMessages
	succeeded := 0

	for _, batch := range base.SplitBatches(events, limit) {
		metrics.BatchSize.WithLabelValues(string(c.Platform()), c.Name()).Observe(float64(len(batch)))

		type pending struct {
			result *gpubsub.PublishResult
			size   int
			key    string
		}
		results := make([]pending, 0, len(batch))

		for _, ev := range batch {
			payload, err := core.EncodeValue(ev.Value)
			if err != nil {
				c.Logger().Error("skipping unencodable event", zap.Error(err))
				continue
			}
			results = append(results, pending{
				result: topic.Publish(ctx, &gpubsub.Message{
					Data:        payload,
					OrderingKey: ev.Key,
					Attributes:  ev.Headers,
				}),
				size: len(payload),
				key:  ev.Key,
			})
		}

		sentSize := 0
		sent := 0
		for _, p := range results {
			if _, err := p.result.Get(ctx); err != nil {
				c.Logger().Error("batch record failed", zap.Error(err))
				if p.key != "" {
					topic.ResumePublish(p.key)
				}
				continue
			}
			sent++
			sentSize += p.size
		}

		succeeded += sent
		c.AccountProduced(sent, sentSize)
	}

	if succeeded < len(events) {
		c.Logger().Warn("batch completed with partial failures",
			zap.Int("requested", len(events)),
			zap.Int("succeeded", succeeded))
	}
	return succeeded, nil
}

// CreateTopic provisions a topic; creating one that already exists is a
// no-op.
func (c *Connector) CreateTopic(ctx context.Context, topicID string) error {
	c.connMu.Lock()
	client := c.client
	c.connMu.Unlock()
	if client == nil {
		return errors.New(errors.ErrorTypeConnection, "client is not initialized")
	}

	_, err := client.CreateTopic(ctx, topicID)
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return classify(err, "failed to create topic")
	}
	return nil
}

// CreateSubscription provisions a subscription on a topic; creating one
// that already exists is a no-op.
func (c *Connector) CreateSubscription(ctx context.Context, topicID, subscriptionID string) error {
	c.connMu.Lock()
	client := c.client
	c.connMu.Unlock()
	if client == nil {
		return errors.New(errors.ErrorTypeConnection, "client is not initialized")
	}

	_, err := client.CreateSubscription(ctx, subscriptionID, gpubsub.SubscriptionConfig{
		Topic: client.Topic(topicID),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return classify(err, "failed to create subscription")
	}
	return nil
}

// eventFromMessage normalizes a Pub/Sub message into a StreamEvent.
func eventFromMessage(msg *gpubsub.Message) *core.StreamEvent {
	event := &core.StreamEvent{
		Key:       msg.OrderingKey,
		Value:     core.NormalizeValue(msg.Data),
		Timestamp: msg.PublishTime,
		Offset:    msg.ID,
		Headers:   copyAttributes(msg.Attributes),
	}
	if msg.DeliveryAttempt != nil {
		event.SetMeta("delivery_attempt", *msg.DeliveryAttempt)
	}
	return event
}

func copyAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// classify maps gRPC status codes onto the shared taxonomy.
func classify(err error, msg string) error {
	switch status.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated:
		return errors.Wrap(err, errors.ErrorTypeConnection, msg)
	case codes.ResourceExhausted:
		return errors.Wrap(err, errors.ErrorTypeThrottling, msg)
	case codes.InvalidArgument:
		return errors.Wrap(err, errors.ErrorTypePayload, msg)
	default:
		return errors.Wrap(err, errors.ErrorTypeTransient, msg)
	}
}
