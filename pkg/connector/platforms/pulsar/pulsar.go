// Package pulsar implements the Pulsar platform connector on top of the
// apache/pulsar-client-go client.
//
// Consumption runs a receive-with-timeout loop over a shared subscription.
// Pulsar supports per-message acknowledgment, so a handler error negatively
// acknowledges the message and the broker redelivers it.
package pulsar

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/base"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
	"github.com/nexflow/streambridge/pkg/metrics"
)

// receivePollTimeout bounds one blocking Receive call so the loop can
// observe the consuming flag.
const receivePollTimeout = time.Second

// Connector is the Pulsar platform connector.
type Connector struct {
	*base.Connector

	client   pulsar.Client
	producer pulsar.Producer
	consumer pulsar.Consumer

	connMu sync.Mutex
}

// New creates a Pulsar connector bound to cfg.
func New(cfg *config.StreamConfig) (core.PlatformClient, error) {
	if cfg.Connection.ServiceURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "pulsar requires connection.service_url")
	}
	return &Connector{Connector: base.NewConnector(cfg)}, nil
}

// Connect establishes the client and creates the producer and/or shared
// subscription per the bound config.
func (c *Connector) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.SetState(core.StateConnecting)

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               c.Config().Connection.ServiceURL,
		ConnectionTimeout: 10 * time.Second,
		OperationTimeout:  30 * time.Second,
	})
	if err != nil {
		c.SetState(core.StateDisconnected)
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to pulsar")
	}
	c.client = client

	if c.Config().Producer.Topic != "" {
		compression, err := compressionType(c.Config().Producer.Compression)
		if err != nil {
			c.closeHandles()
			c.SetState(core.StateDisconnected)
			return err
		}

		producer, err := client.CreateProducer(pulsar.ProducerOptions{
			Topic:                   c.Config().Producer.Topic,
			CompressionType:         compression,
			SendTimeout:             c.Config().Producer.Timeout,
			DisableBatching:         false,
			BatchingMaxMessages:     uint(maxBatchMessages(c.Config())),
			BatchingMaxPublishDelay: c.Config().Producer.BatchMaxDelay,
		})
		if err != nil {
			c.closeHandles()
			c.SetState(core.StateDisconnected)
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create pulsar producer")
		}
		c.producer = producer
	}

	if len(c.Config().Consumer.Topics) > 0 {
		initial := pulsar.SubscriptionPositionLatest
		if c.Config().Consumer.FromBeginning {
			initial = pulsar.SubscriptionPositionEarliest
		}

		consumer, err := client.Subscribe(pulsar.ConsumerOptions{
			Topics:                      c.Config().Consumer.Topics,
			SubscriptionName:            c.Config().Consumer.GroupID,
			Type:                        pulsar.Shared,
			SubscriptionInitialPosition: initial,
		})
		if err != nil {
			c.closeHandles()
			c.SetState(core.StateDisconnected)
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to subscribe to pulsar topics")
		}
		c.consumer = consumer
	}

	c.Reconnect().Reset()
	c.Throughput().MarkConnected()
	c.SetState(core.StateConnected)
	c.Logger().Info("connected",
		zap.String("service_url", c.Config().Connection.ServiceURL),
		zap.String("subscription", c.Config().Consumer.GroupID))
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
	if c.consumer != nil {
		c.consumer.Close()
		c.consumer = nil
	}
	if c.producer != nil {
		c.producer.Close()
		c.producer = nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *Connector) reconnectHandles(ctx context.Context) error {
	c.connMu.Lock()
	c.closeHandles()
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Consume runs the receive loop. Each message is acknowledged on handler
// success and negatively acknowledged on handler error, which schedules
// broker-side redelivery.
func (c *Connector) Consume(ctx context.Context, handler core.EventHandler) error {
	if err := c.BeginConsuming(); err != nil {
		return err
	}
	defer c.EndConsuming()

	op := func(ctx context.Context) error {
		for c.Consuming() {
			c.connMu.Lock()
			consumer := c.consumer
			c.connMu.Unlock()
			if consumer == nil {
				return errors.New(errors.ErrorTypeConnection, "consumer is not initialized")
			}

			rctx, cancel := context.WithTimeout(ctx, receivePollTimeout)
			msg, err := consumer.Receive(rctx)
			cancel()
			if err != nil {
				if stderrors.Is(err, context.DeadlineExceeded) {
					continue // idle poll round
				}
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, errors.ErrorTypeTransient, "pulsar receive failed")
			}

			event := eventFromMessage(msg)
			c.AccountConsumed(len(msg.Payload()))

			if herr := handler(ctx, event); herr != nil {
				c.AccountHandlerError()
				c.Logger().Error("handler failed, nacking for redelivery",
					zap.String("message_id", msg.ID().String()),
					zap.Uint32("redelivery_count", msg.RedeliveryCount()),
					zap.Error(herr))
				consumer.Nack(msg)
				continue
			}
			consumer.Ack(msg)
		}
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// Produce sends one event synchronously.
func (c *Connector) Produce(ctx context.Context, event *core.StreamEvent) error {
	msg, size, err := producerMessage(event)
	if err != nil {
		return err
	}

	op := func(ctx context.Context) error {
		c.connMu.Lock()
		producer := c.producer
		c.connMu.Unlock()
		if producer == nil {
			return errors.New(errors.ErrorTypeConnection, "producer is not initialized")
		}

		if _, err := producer.Send(ctx, msg); err != nil {
			return classifySendError(err)
		}
		c.AccountProduced(1, size)
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// ProduceBatch sends events through the client-side batcher. Events are
// split by ordering key into batches no larger than the configured maximum;
// each batch is flushed before the next begins. Partial failures are
// logged and subtracted from the returned success count.
func (c *Connector) ProduceBatch(ctx context.Context, events []*core.StreamEvent) (int, error) {
	c.connMu.Lock()
	producer := c.producer
	c.connMu.Unlock()
	if producer == nil {
		return 0, errors.New(errors.ErrorTypeConnection, "producer is not initialized")
	}

	limit := maxBatchMessages(c.Config())
	succeeded := 0

	for _, batch := range base.SplitBatches(events, limit) {
		metrics.BatchSize.WithLabelValues(string(c.Platform()), c.Name()).Observe(float64(len(batch)))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			failed   int
			sentSize int
		)

		for _, ev := range batch {
			msg, size, err := producerMessage(ev)
			if err != nil {
				c.Logger().Error("skipping unencodable event", zap.Error(err))
				failed++
				continue
			}

			wg.Add(1)
			producer.SendAsync(ctx, msg, func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, sendErr error) {
				defer wg.Done()
				mu.Lock()
				defer mu.Unlock()
				if sendErr != nil {
					failed++
					c.Logger().Error("batch record failed", zap.Error(sendErr))
					return
				}
				sentSize += size
			})
		}

		if err := producer.Flush(); err != nil {
			c.Logger().Warn("batch flush failed", zap.Error(err))
		}
		wg.Wait()

		sent := len(batch) - failed
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

// eventFromMessage normalizes a Pulsar message into a StreamEvent.
func eventFromMessage(msg pulsar.Message) *core.StreamEvent {
	event := &core.StreamEvent{
		Key:       msg.Key(),
		Value:     core.NormalizeValue(msg.Payload()),
		Timestamp: msg.PublishTime(),
		Partition: msg.Topic(),
		Offset:    msg.ID().String(),
		Headers:   copyProperties(msg.Properties()),
	}
	event.SetMeta("redelivery_count", msg.RedeliveryCount())
	return event
}

func copyProperties(props map[string]string) map[string]string {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func producerMessage(event *core.StreamEvent) (*pulsar.ProducerMessage, int, error) {
	payload, err := core.EncodeValue(event.Value)
	if err != nil {
		return nil, 0, err
	}

	msg := &pulsar.ProducerMessage{
		Payload:    payload,
		Key:        event.Key,
		Properties: event.Headers,
	}
	if !event.Timestamp.IsZero() {
		msg.EventTime = event.Timestamp
	}
	return msg, len(payload), nil
}

func maxBatchMessages(cfg *config.StreamConfig) int {
	if cfg.Producer.BatchMaxMessages > 0 {
		return cfg.Producer.BatchMaxMessages
	}
	return 100
}

func compressionType(codec string) (pulsar.CompressionType, error) {
	switch codec {
	case "", "none":
		return pulsar.NoCompression, nil
	case "lz4":
		return pulsar.LZ4, nil
	case "zstd":
		return pulsar.ZSTD, nil
	case "gzip", "zlib":
		return pulsar.ZLib, nil
	default:
		return pulsar.NoCompression, errors.Newf(errors.ErrorTypeConfig, "compression codec %q is not supported by pulsar", codec)
	}
}

func classifySendError(err error) error {
	var pulsarErr *pulsar.Error
	if stderrors.As(err, &pulsarErr) {
		switch pulsarErr.Result() {
		case pulsar.MessageTooBig:
			return errors.Wrap(err, errors.ErrorTypePayload, "message exceeds pulsar size limit")
		case pulsar.AuthenticationError, pulsar.AuthorizationError:
			return errors.Wrap(err, errors.ErrorTypeConnection, "pulsar authorization failed")
		case pulsar.ProducerBlockedQuotaExceededError, pulsar.ProducerBlockedQuotaExceededException:
			return errors.Wrap(err, errors.ErrorTypeThrottling, "pulsar producer quota exceeded")
		}
	}
	return errors.Wrap(err, errors.ErrorTypeTransient, "pulsar send failed")
}
