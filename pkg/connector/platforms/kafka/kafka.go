// Package kafka implements the Kafka platform connector on top of the
// IBM/sarama client.
//
// Consumption runs through a consumer group; offsets are committed by the
// broker-side auto-commit interval when enabled. Kafka has no per-message
// ack, so a handler error is logged and consumption continues without
// redelivery of that event.
package kafka

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/base"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
)

// Connector is the Kafka platform connector.
type Connector struct {
	*base.Connector

	client   sarama.Client
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup

	// handlerMu serializes handler invocations across partition claims
	handlerMu sync.Mutex
	// connMu guards the client handles during reconnects
	connMu sync.Mutex
}

// New creates a Kafka connector bound to cfg.
func New(cfg *config.StreamConfig) (core.PlatformClient, error) {
	if len(cfg.Connection.Brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka requires connection.brokers")
	}
	return &Connector{Connector: base.NewConnector(cfg)}, nil
}

// Connect establishes broker connectivity and initializes the producer
// and/or consumer group per the bound config. Creating the client performs
// the initial metadata fetch, which doubles as the reachability probe.
func (c *Connector) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.SetState(core.StateConnecting)

	saramaCfg, err := buildSaramaConfig(c.Config())
	if err != nil {
		c.SetState(core.StateDisconnected)
		return err
	}

	client, err := sarama.NewClient(c.Config().Connection.Brokers, saramaCfg)
	if err != nil {
		c.SetState(core.StateDisconnected)
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to kafka brokers")
	}
	c.client = client

	if c.Config().Producer.Topic != "" {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			c.closeHandles()
			c.SetState(core.StateDisconnected)
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka producer")
		}
		c.producer = producer
	}

	if len(c.Config().Consumer.Topics) > 0 {
		group, err := sarama.NewConsumerGroupFromClient(c.Config().Consumer.GroupID, client)
		if err != nil {
			c.closeHandles()
			c.SetState(core.StateDisconnected)
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to join kafka consumer group")
		}
		c.group = group
	}

	c.Reconnect().Reset()
	c.Throughput().MarkConnected()
	c.SetState(core.StateConnected)
	c.Logger().Info("connected",
		zap.Strings("brokers", c.Config().Connection.Brokers),
		zap.String("group", c.Config().Consumer.GroupID))
	return nil
}

// Disconnect cooperatively shuts the connector down. Safe to call even if
// Connect partially failed.
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

// closeHandles releases all sarama handles. Callers hold connMu.
func (c *Connector) closeHandles() {
	if c.group != nil {
		if err := c.group.Close(); err != nil {
			c.Logger().Warn("failed to close consumer group", zap.Error(err))
		}
		c.group = nil
	}
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			c.Logger().Warn("failed to close producer", zap.Error(err))
		}
		c.producer = nil
	}
	if c.client != nil && !c.client.Closed() {
		if err := c.client.Close(); err != nil {
			c.Logger().Warn("failed to close client", zap.Error(err))
		}
	}
	c.client = nil
}

// reconnectHandles tears the handles down and re-establishes them without
// touching the consuming flag, so a running Consume loop resumes after the
// backoff schedule.
func (c *Connector) reconnectHandles(ctx context.Context) error {
	c.connMu.Lock()
	c.closeHandles()
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Consume joins the consumer group and delivers every inbound message to
// handler until Disconnect clears the consuming flag.
func (c *Connector) Consume(ctx context.Context, handler core.EventHandler) error {
	if err := c.BeginConsuming(); err != nil {
		return err
	}
	defer c.EndConsuming()

	op := func(ctx context.Context) error {
		for c.Consuming() {
			c.connMu.Lock()
			group := c.group
			c.connMu.Unlock()
			if group == nil {
				return errors.New(errors.ErrorTypeConnection, "consumer group is not initialized")
			}

			// Consume blocks through one rebalance generation and
			// returns on group membership changes.
			err := group.Consume(ctx, c.Config().Consumer.Topics, &groupHandler{c: c, handler: handler})
			if err != nil {
				if stderrors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, errors.ErrorTypeTransient, "kafka consume failed")
			}
		}
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// Produce sends one event through the synchronous producer, honoring the
// configured acknowledgment level.
func (c *Connector) Produce(ctx context.Context, event *core.StreamEvent) error {
	payload, err := core.EncodeValue(event.Value)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: c.Config().Producer.Topic,
		Value: sarama.ByteEncoder(payload),
	}
	if event.Key != "" {
		msg.Key = sarama.StringEncoder(event.Key)
	}
	if !event.Timestamp.IsZero() {
		msg.Timestamp = event.Timestamp
	}
	for k, v := range event.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	op := func(ctx context.Context) error {
		c.connMu.Lock()
		producer := c.producer
		c.connMu.Unlock()
		if producer == nil {
			return errors.New(errors.ErrorTypeConnection, "producer is not initialized")
		}

		_, _, err := producer.SendMessage(msg)
		if err != nil {
			return classifyProduceError(err)
		}
		c.AccountProduced(1, len(payload))
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// groupHandler adapts the caller handler onto sarama's consumer group
// callbacks.
type groupHandler struct {
	c       *Connector
	handler core.EventHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim drains one partition claim. Claims run concurrently per
// partition, so handler delivery funnels through handlerMu to preserve the
// one-invocation-at-a-time contract.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if !h.c.Consuming() {
			return nil
		}

		event := eventFromMessage(msg)

		h.c.handlerMu.Lock()
		h.c.AccountConsumed(len(msg.Value))
		err := h.handler(sess.Context(), event)
		h.c.handlerMu.Unlock()

		if err != nil {
			// No per-message nack on Kafka: log and continue.
			h.c.AccountHandlerError()
			h.c.Logger().Error("handler failed, continuing",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}

		sess.MarkMessage(msg, "")
	}
	return nil
}

// eventFromMessage normalizes a Kafka message into a StreamEvent.
func eventFromMessage(msg *sarama.ConsumerMessage) *core.StreamEvent {
	headers := make(map[string]interface{}, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[string(h.Key)] = h.Value
	}

	event := &core.StreamEvent{
		Key:       string(msg.Key),
		Value:     core.NormalizeValue(msg.Value),
		Timestamp: msg.Timestamp,
		Partition: strconv.FormatInt(int64(msg.Partition), 10),
		Offset:    strconv.FormatInt(msg.Offset, 10),
		Headers:   core.FlattenHeaders(headers),
	}
	event.SetMeta("topic", msg.Topic)
	return event
}

// buildSaramaConfig maps the unified StreamConfig onto sarama's config.
func buildSaramaConfig(cfg *config.StreamConfig) (*sarama.Config, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_8_0_0
	saramaCfg.ClientID = cfg.Name

	// Producer section
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Timeout = cfg.Producer.Timeout
	switch cfg.Producer.Acks {
	case "", "all":
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	case "one":
		saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		saramaCfg.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid acks level %q", cfg.Producer.Acks)
	}

	switch cfg.Producer.Compression {
	case "", "none":
		saramaCfg.Producer.Compression = sarama.CompressionNone
	case "gzip":
		saramaCfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaCfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaCfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaCfg.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid compression codec %q", cfg.Producer.Compression)
	}

	if cfg.Producer.Idempotent {
		// Idempotence requires acks=all and a single in-flight request.
		saramaCfg.Producer.Idempotent = true
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
		saramaCfg.Net.MaxOpenRequests = 1
	} else if cfg.Producer.MaxInFlight > 0 {
		saramaCfg.Net.MaxOpenRequests = cfg.Producer.MaxInFlight
	}

	// Consumer section
	if cfg.Consumer.FromBeginning {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = cfg.Consumer.AutoCommit
	if cfg.Consumer.AutoCommitInterval > 0 {
		saramaCfg.Consumer.Offsets.AutoCommit.Interval = cfg.Consumer.AutoCommitInterval
	}
	if cfg.Consumer.SessionTimeout > 0 {
		saramaCfg.Consumer.Group.Session.Timeout = cfg.Consumer.SessionTimeout
	}
	if cfg.Consumer.MaxBytesPerPartition > 0 {
		saramaCfg.Consumer.Fetch.Default = int32(cfg.Consumer.MaxBytesPerPartition)
	}
	saramaCfg.Consumer.Return.Errors = false

	saramaCfg.Net.DialTimeout = 10 * time.Second

	return saramaCfg, nil
}

// classifyProduceError maps sarama produce errors onto the shared taxonomy.
func classifyProduceError(err error) error {
	switch {
	case stderrors.Is(err, sarama.ErrMessageSizeTooLarge):
		return errors.Wrap(err, errors.ErrorTypePayload, "message exceeds broker size limit")
	case stderrors.Is(err, sarama.ErrSASLAuthenticationFailed), stderrors.Is(err, sarama.ErrTopicAuthorizationFailed):
		return errors.Wrap(err, errors.ErrorTypeConnection, "kafka authorization failed")
	default:
		return errors.Wrap(err, errors.ErrorTypeTransient, "kafka produce failed")
	}
}
