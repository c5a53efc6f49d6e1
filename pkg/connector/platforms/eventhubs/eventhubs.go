// Package eventhubs implements the Azure Event Hubs platform connector on
// top of the azure-sdk-for-go azeventhubs client.
//
// Consumption opens one partition client per partition and polls each in
// its own goroutine. Event Hubs has no per-message acknowledgment; a
// handler error is logged and consumption continues past the event, with
// per-partition sequence numbers tracked so reconnects resume where the
// connector left off.
//
// Authentication accepts either a namespace connection string or a bare
// fully-qualified namespace, in which case the Azure default credential
// chain (environment, managed identity, CLI) is used.
package eventhubs

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs"
	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/base"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
	"github.com/nexflow/streambridge/pkg/metrics"
)

const (
	// defaultReceiveCount bounds one ReceiveEvents call when no
	// per-partition byte budget is configured.
	defaultReceiveCount = 100
	// maxReceiveCount caps the derived per-receive bound.
	maxReceiveCount = 1000
	// nominalEventBytes is the event-size estimate used to turn the
	// per-partition byte budget into a receive count; actual sizes are
	// unknown before receipt.
	nominalEventBytes = 4 << 10
	// receivePollTimeout bounds one blocking receive so partition loops can
	// observe the consuming flag.
	receivePollTimeout = time.Second
	// maxEventsPerBatch caps a client-side batch before it is flushed.
	maxEventsPerBatch = 500
)

// Connector is the Azure Event Hubs platform connector.
type Connector struct {
	*base.Connector

	producer *azeventhubs.ProducerClient
	consumer *azeventhubs.ConsumerClient

	// checkpoints maps partition ID to the last handled sequence number so
	// reconnects resume instead of replaying from the start position.
	checkpoints  map[string]int64
	checkpointMu sync.Mutex

	// handlerMu serializes handler invocations across partition goroutines
	handlerMu sync.Mutex
	connMu    sync.Mutex
}

// New creates an Event Hubs connector bound to cfg.
func New(cfg *config.StreamConfig) (core.PlatformClient, error) {
	if cfg.Connection.ConnectionString == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "eventhubs requires connection.connection_string")
	}
	if cfg.Connection.EventHubName == "" && cfg.Producer.Topic == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "eventhubs requires connection.event_hub_name or producer.topic")
	}
	return &Connector{
		Connector:   base.NewConnector(cfg),
		checkpoints: make(map[string]int64),
	}, nil
}

// Connect creates the producer and/or consumer clients. The consumer-side
// properties call doubles as the reachability probe.
func (c *Connector) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.SetState(core.StateConnecting)

	connStr := c.Config().Connection.ConnectionString

	if hub := c.producerHub(); hub != "" {
		producer, err := newProducerClient(connStr, hub)
		if err != nil {
			c.SetState(core.StateDisconnected)
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create eventhubs producer")
		}
		c.producer = producer

		if _, err := producer.GetEventHubProperties(ctx, nil); err != nil {
			c.closeHandles(ctx)
			c.SetState(core.StateDisconnected)
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach event hub")
		}
	}

	if hub := c.consumerHub(); hub != "" {
		group := c.Config().Consumer.GroupID
		if group == "" {
			group = azeventhubs.DefaultConsumerGroup
		}

		consumer, err := newConsumerClient(connStr, hub, group)
		if err != nil {
			c.closeHandles(ctx)
			c.SetState(core.StateDisconnected)
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create eventhubs consumer")
		}
		c.consumer = consumer

		if c.producer == nil {
			if _, err := consumer.GetEventHubProperties(ctx, nil); err != nil {
				c.closeHandles(ctx)
				c.SetState(core.StateDisconnected)
				return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach event hub")
			}
		}
	}

	c.Reconnect().Reset()
	c.Throughput().MarkConnected()
	c.SetState(core.StateConnected)
	c.Logger().Info("connected", zap.String("event_hub", c.consumerHub()))
	return nil
}

// producerHub resolves the hub name used for production.
func (c *Connector) producerHub() string {
	if c.Config().Producer.Topic != "" {
		return c.Config().Producer.Topic
	}
	return c.Config().Connection.EventHubName
}

// consumerHub resolves the hub name used for consumption.
func (c *Connector) consumerHub() string {
	if c.Config().Connection.EventHubName != "" {
		return c.Config().Connection.EventHubName
	}
	if len(c.Config().Consumer.Topics) > 0 {
		return c.Config().Consumer.Topics[0]
	}
	return ""
}

// Disconnect cooperatively shuts the connector down.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.StopConsuming()

	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closeHandles(ctx)
	c.Throughput().MarkDisconnected()
	if c.State() != core.StateFailed {
		c.SetState(core.StateDisconnected)
	}
	c.Logger().Info("disconnected")
	return nil
}

func (c *Connector) closeHandles(ctx context.Context) {
	if c.consumer != nil {
		if err := c.consumer.Close(ctx); err != nil {
			c.Logger().Warn("failed to close consumer", zap.Error(err))
		}
		c.consumer = nil
	}
	if c.producer != nil {
		if err := c.producer.Close(ctx); err != nil {
			c.Logger().Warn("failed to close producer", zap.Error(err))
		}
		c.producer = nil
	}
}

func (c *Connector) reconnectHandles(ctx context.Context) error {
	c.connMu.Lock()
	c.closeHandles(ctx)
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Consume discovers the hub's partitions and runs one receive loop per
// partition until Disconnect clears the consuming flag.
func (c *Connector) Consume(ctx context.Context, handler core.EventHandler) error {
	if err := c.BeginConsuming(); err != nil {
		return err
	}
	defer c.EndConsuming()

	op := func(ctx context.Context) error {
		c.connMu.Lock()
		consumer := c.consumer
		c.connMu.Unlock()
		if consumer == nil {
			return errors.New(errors.ErrorTypeConnection, "consumer is not initialized")
		}

		props, err := consumer.GetEventHubProperties(ctx, nil)
		if err != nil {
			return classify(err, "failed to list partitions")
		}

		// One failed partition cancels the round; the reconnect loop
		// decides whether the round restarts.
		rctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var (
			wg       sync.WaitGroup
			errMu    sync.Mutex
			firstErr error
		)

		for _, partitionID := range props.PartitionIDs {
			client, err := c.openPartition(consumer, partitionID)
			if err != nil {
				cancel()
				wg.Wait()
				return err
			}

			wg.Add(1)
			go func(partitionID string, client *azeventhubs.PartitionClient) {
				defer wg.Done()
				defer client.Close(context.Background())

				if perr := c.consumePartition(rctx, partitionID, client, handler); perr != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = perr
					}
					errMu.Unlock()
					cancel()
				}
			}(partitionID, client)
		}

		wg.Wait()
		if firstErr != nil && ctx.Err() == nil {
			return firstErr
		}
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// openPartition creates a partition client positioned after the last
// handled sequence number, or at the configured start position on the
// first attach.
func (c *Connector) openPartition(consumer *azeventhubs.ConsumerClient, partitionID string) (*azeventhubs.PartitionClient, error) {
	start := azeventhubs.StartPosition{}

	c.checkpointMu.Lock()
	seq, resumed := c.checkpoints[partitionID]
	c.checkpointMu.Unlock()

	switch {
	case resumed:
		start.SequenceNumber = &seq
		start.Inclusive = false
	case c.Config().Consumer.FromBeginning:
		earliest := true
		start.Earliest = &earliest
	default:
		latest := true
		start.Latest = &latest
	}

	client, err := consumer.NewPartitionClient(partitionID, &azeventhubs.PartitionClientOptions{
		StartPosition: start,
	})
	if err != nil {
		return nil, classify(err, "failed to open partition")
	}
	return client, nil
}

// receiveCount derives the per-receive event bound from the configured
// per-partition byte budget, so events handed to one processing round stay
// within it.
func (c *Connector) receiveCount() int {
	budget := c.Config().Consumer.MaxBytesPerPartition
	if budget <= 0 {
		return defaultReceiveCount
	}
	n := budget / nominalEventBytes
	if n < 1 {
		return 1
	}
	if n > maxReceiveCount {
		return maxReceiveCount
	}
	return n
}

// consumePartition polls one partition until the consuming flag clears or
// the receive fails with something the reconnect loop must handle.
func (c *Connector) consumePartition(ctx context.Context, partitionID string, client *azeventhubs.PartitionClient, handler core.EventHandler) error {
	count := c.receiveCount()
	for c.Consuming() && ctx.Err() == nil {
		rctx, cancel := context.WithTimeout(ctx, receivePollTimeout)
		events, err := client.ReceiveEvents(rctx, count, nil)
		cancel()
		if err != nil {
			if stderrors.Is(err, context.DeadlineExceeded) && len(events) == 0 {
				continue // idle poll round
			}
			if ctx.Err() != nil {
				return nil
			}
			if len(events) == 0 {
				return classify(err, "eventhubs receive failed")
			}
			// Deadline hit mid-batch; process what arrived.
		}

		for _, received := range events {
			event := eventFromReceived(partitionID, received)

			c.handlerMu.Lock()
			c.AccountConsumed(len(received.Body))
			herr := handler(ctx, event)
			c.handlerMu.Unlock()

			if herr != nil {
				c.AccountHandlerError()
				c.Logger().Error("handler failed, continuing past event",
					zap.String("partition", partitionID),
					zap.Int64("sequence_number", received.SequenceNumber),
					zap.Error(herr))
			}

			c.checkpointMu.Lock()
			c.checkpoints[partitionID] = received.SequenceNumber
			c.checkpointMu.Unlock()
		}
	}
	return nil
}

// Produce sends one event in a single-entry batch, honoring the event's
// partition key.
func (c *Connector) Produce(ctx context.Context, event *core.StreamEvent) error {
	op := func(ctx context.Context) error {
		c.connMu.Lock()
		producer := c.producer
		c.connMu.Unlock()
		if producer == nil {
			return errors.New(errors.ErrorTypeConnection, "producer is not initialized")
		}

		batch, err := c.newBatch(ctx, producer, event.Key)
		if err != nil {
			return err
		}

		data, size, err := eventData(event)
		if err != nil {
			return err
		}
		if err := batch.AddEventData(data, nil); err != nil {
			if stderrors.Is(err, azeventhubs.ErrEventDataTooLarge) {
				return errors.Wrap(err, errors.ErrorTypePayload, "event exceeds eventhubs batch size limit")
			}
			return classify(err, "failed to add event to batch")
		}

		if err := producer.SendEventDataBatch(ctx, batch, nil); err != nil {
			return classify(err, "eventhubs send failed")
		}
		c.AccountProduced(1, size)
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// ProduceBatch packs events into service-sized batches grouped by partition
// key. An event too large for an empty batch is skipped and logged; a full
// batch is flushed and a fresh one started. Partial failures are logged
// and subtracted from the returned success count.
func (c *Connector) ProduceBatch(ctx context.Context, events []*core.StreamEvent) (int, error) {
	c.connMu.Lock()
	producer := c.producer
	c.connMu.Unlock()
	if producer == nil {
		return 0, errors.New(errors.ErrorTypeConnection, "producer is not initialized")
	}

	succeeded := 0
	for _, group := range base.GroupByKey(events) {
		sent, err := c.sendKeyGroup(ctx, producer, group[0].Key, group)
		succeeded += sent
		if err != nil {
			return succeeded, err
		}
	}

	if succeeded < len(events) {
		c.Logger().Warn("batch completed with partial failures",
			zap.Int("requested", len(events)),
			zap.Int("succeeded", succeeded))
	}
	return succeeded, nil
}

// sendKeyGroup packs one partition-key group into as many service batches
// as needed.
func (c *Connector) sendKeyGroup(ctx context.Context, producer *azeventhubs.ProducerClient, key string, group []*core.StreamEvent) (int, error) {
	batch, err := c.newBatch(ctx, producer, key)
	if err != nil {
		return 0, err
	}

	sent := 0
	pending := 0
	pendingSize := 0

	flush := func() error {
		if pending == 0 {
			return nil
		}
		metrics.BatchSize.WithLabelValues(string(c.Platform()), c.Name()).Observe(float64(pending))
		if err := producer.SendEventDataBatch(ctx, batch, nil); err != nil {
			return classify(err, "eventhubs batch send failed")
		}
		sent += pending
		c.AccountProduced(pending, pendingSize)
		pending = 0
		pendingSize = 0
		batch, err = c.newBatch(ctx, producer, key)
		return err
	}

	for _, ev := range group {
		data, size, err := eventData(ev)
		if err != nil {
			c.Logger().Error("skipping unencodable event", zap.Error(err))
			continue
		}

		if err := batch.AddEventData(data, nil); err != nil {
			if !stderrors.Is(err, azeventhubs.ErrEventDataTooLarge) {
				return sent, classify(err, "failed to add event to batch")
			}
			if pending == 0 {
				c.Logger().Error("skipping event larger than eventhubs batch limit",
					zap.Int("bytes", size))
				continue
			}
			// Full batch; flush and retry the event in a fresh one.
			if err := flush(); err != nil {
				return sent, err
			}
			if err := batch.AddEventData(data, nil); err != nil {
				c.Logger().Error("skipping event larger than eventhubs batch limit",
					zap.Int("bytes", size))
				continue
			}
		}
		pending++
		pendingSize += size

		if pending >= maxEventsPerBatch {
			if err := flush(); err != nil {
				return sent, err
			}
		}
	}

	if err := flush(); err != nil {
		return sent, err
	}
	return sent, nil
}

// newBatch creates a service batch bound to a partition key. An empty key
// leaves partition assignment to the service.
func (c *Connector) newBatch(ctx context.Context, producer *azeventhubs.ProducerClient, key string) (*azeventhubs.EventDataBatch, error) {
	opts := &azeventhubs.EventDataBatchOptions{}
	if key != "" {
		opts.PartitionKey = &key
	}
	batch, err := producer.NewEventDataBatch(ctx, opts)
	if err != nil {
		return nil, classify(err, "failed to create event batch")
	}
	return batch, nil
}

// eventData converts a StreamEvent into the wire representation.
func eventData(event *core.StreamEvent) (*azeventhubs.EventData, int, error) {
	payload, err := core.EncodeValue(event.Value)
	if err != nil {
		return nil, 0, err
	}

	data := &azeventhubs.EventData{Body: payload}
	if len(event.Headers) > 0 {
		data.Properties = make(map[string]any, len(event.Headers))
		for k, v := range event.Headers {
			data.Properties[k] = v
		}
	}
	return data, len(payload), nil
}

// eventFromReceived normalizes a received event into a StreamEvent.
func eventFromReceived(partitionID string, received *azeventhubs.ReceivedEventData) *core.StreamEvent {
	event := &core.StreamEvent{
		Value:     core.NormalizeValue(received.Body),
		Partition: partitionID,
		Offset:    strconv.FormatInt(received.SequenceNumber, 10),
	}
	if received.PartitionKey != nil {
		event.Key = *received.PartitionKey
	}
	if received.EnqueuedTime != nil {
		event.Timestamp = *received.EnqueuedTime
	}
	if len(received.Properties) > 0 {
		event.Headers = core.FlattenHeaders(received.Properties)
	}
	event.SetMeta("offset", received.Offset)
	return event
}

// classify maps SDK errors onto the shared taxonomy.
func classify(err error, msg string) error {
	var ehErr *azeventhubs.Error
	if stderrors.As(err, &ehErr) {
		switch ehErr.Code {
		case azeventhubs.ErrorCodeUnauthorizedAccess:
			return errors.Wrap(err, errors.ErrorTypeConnection, msg)
		case azeventhubs.ErrorCodeConnectionLost, azeventhubs.ErrorCodeOwnershipLost:
			return errors.Wrap(err, errors.ErrorTypeTransient, msg)
		}
	}
	if strings.Contains(err.Error(), "server-busy") {
		return errors.Wrap(err, errors.ErrorTypeThrottling, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeTransient, msg)
}

// newProducerClient accepts either a connection string or a bare namespace.
func newProducerClient(connStr, hub string) (*azeventhubs.ProducerClient, error) {
	if strings.Contains(connStr, "Endpoint=") {
		return azeventhubs.NewProducerClientFromConnectionString(connStr, hub, nil)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return azeventhubs.NewProducerClient(connStr, hub, cred, nil)
}

// newConsumerClient accepts either a connection string or a bare namespace.
func newConsumerClient(connStr, hub, group string) (*azeventhubs.ConsumerClient, error) {
	if strings.Contains(connStr, "Endpoint=") {
		return azeventhubs.NewConsumerClientFromConnectionString(connStr, hub, group, nil)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return azeventhubs.NewConsumerClient(connStr, hub, group, cred, nil)
}
