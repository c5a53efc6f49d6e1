// Package kinesis implements the Kinesis platform connector on top of the
// aws-sdk-go-v2 client.
//
// Consumption polls every open shard concurrently each round through
// per-shard iterators. Kinesis has no per-message ack, so a handler error
// is logged and consumption continues. Throttling responses widen the poll
// interval (doubling, capped at 5s) instead of tearing down the connection.
package kinesis

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/base"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
	"github.com/nexflow/streambridge/pkg/metrics"
)

const (
	// maxRecordsPerPut is the PutRecords physical limit.
	maxRecordsPerPut = 500
	// maxRecordBytes is the per-record payload limit.
	maxRecordBytes = 1 << 20
	// maxPollInterval caps the throttle-widened poll interval.
	maxPollInterval = 5 * time.Second
	// recordsPerPoll bounds one GetRecords call.
	recordsPerPoll = 1000
)

// shardCursor tracks a shard's iterator and last delivered sequence
// number. Sequence numbers are monotonic within a shard, so the cursor can
// rebuild an expired iterator without replay or loss.
type shardCursor struct {
	iterator     string
	lastSequence string
}

// Connector is the Kinesis platform connector.
type Connector struct {
	*base.Connector

	client *kinesis.Client

	// cursors is keyed by shard ID; mutated only during reconnects and
	// poll rounds, never concurrently from two call sites
	cursors map[string]*shardCursor
	curMu   sync.Mutex

	// handlerMu funnels per-shard poll results into serial handler calls
	handlerMu sync.Mutex

	// pollInterval holds the current poll delay in nanoseconds; widened
	// under throttling, restored on a clean round
	pollInterval atomic.Int64

	connMu sync.Mutex
}

// New creates a Kinesis connector bound to cfg.
func New(cfg *config.StreamConfig) (core.PlatformClient, error) {
	if cfg.Connection.StreamName == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "kinesis requires connection.stream_name")
	}
	return &Connector{
		Connector: base.NewConnector(cfg),
		cursors:   make(map[string]*shardCursor),
	}, nil
}

// Connect resolves AWS credentials through the SDK default chain, creates
// the client, and verifies the stream exists.
func (c *Connector) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.SetState(core.StateConnecting)

	var opts []func(*awsconfig.LoadOptions) error
	if region := c.Config().Connection.Region; region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		c.SetState(core.StateDisconnected)
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to load aws credentials")
	}
	c.client = kinesis.NewFromConfig(awsCfg)

	// Reachability probe; also confirms the stream exists.
	_, err = c.client.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: aws.String(c.Config().Connection.StreamName),
	})
	if err != nil {
		c.client = nil
		c.SetState(core.StateDisconnected)
		var notFound *types.ResourceNotFoundException
		if stderrors.As(err, &notFound) {
			return errors.Wrap(err, errors.ErrorTypeConnection, "kinesis stream does not exist")
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach kinesis")
	}

	c.pollInterval.Store(int64(c.basePollInterval()))
	c.Reconnect().Reset()
	c.Throughput().MarkConnected()
	c.SetState(core.StateConnected)
	c.Logger().Info("connected",
		zap.String("stream", c.Config().Connection.StreamName),
		zap.String("region", c.Config().Connection.Region))
	return nil
}

// Disconnect cooperatively shuts the connector down.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.StopConsuming()

	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.client = nil
	c.curMu.Lock()
	c.cursors = make(map[string]*shardCursor)
	c.curMu.Unlock()

	c.Throughput().MarkDisconnected()
	if c.State() != core.StateFailed {
		c.SetState(core.StateDisconnected)
	}
	c.Logger().Info("disconnected")
	return nil
}

func (c *Connector) reconnectHandles(ctx context.Context) error {
	c.connMu.Lock()
	c.client = nil
	c.connMu.Unlock()
	// Cursors survive the reconnect: lastSequence lets each shard resume
	// where it left off.
	return c.Connect(ctx)
}

// Consume polls every open shard concurrently each round until Disconnect
// clears the consuming flag.
func (c *Connector) Consume(ctx context.Context, handler core.EventHandler) error {
	if err := c.BeginConsuming(); err != nil {
		return err
	}
	defer c.EndConsuming()

	op := func(ctx context.Context) error {
		for c.Consuming() {
			c.connMu.Lock()
			client := c.client
			c.connMu.Unlock()
			if client == nil {
				return errors.New(errors.ErrorTypeConnection, "client is not initialized")
			}

			if err := c.refreshShards(ctx, client); err != nil {
				return err
			}

			if err := c.pollRound(ctx, client, handler); err != nil {
				return err
			}

			if err := c.sleepPollInterval(ctx); err != nil {
				return nil // cancelled
			}
		}
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// refreshShards lists open shards and opens iterators for any new ones.
func (c *Connector) refreshShards(ctx context.Context, client *kinesis.Client) error {
	out, err := client.ListShards(ctx, &kinesis.ListShardsInput{
		StreamName: aws.String(c.Config().Connection.StreamName),
	})
	if err != nil {
		return classify(err, "failed to list shards")
	}

	c.curMu.Lock()
	defer c.curMu.Unlock()

	for _, shard := range out.Shards {
		shardID := aws.ToString(shard.ShardId)
		if _, known := c.cursors[shardID]; known {
			continue
		}

		cursor := &shardCursor{}
		if err := c.openIterator(ctx, client, shardID, cursor); err != nil {
			return err
		}
		c.cursors[shardID] = cursor
		c.Logger().Debug("tracking shard", zap.String("shard_id", shardID))
	}
	return nil
}

// openIterator obtains a fresh iterator for the shard, resuming after the
// last delivered sequence number when one is known.
func (c *Connector) openIterator(ctx context.Context, client *kinesis.Client, shardID string, cursor *shardCursor) error {
	input := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(c.Config().Connection.StreamName),
		ShardId:    aws.String(shardID),
	}

	switch {
	case cursor.lastSequence != "":
		input.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = aws.String(cursor.lastSequence)
	case c.Config().Consumer.FromBeginning:
		input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	default:
		input.ShardIteratorType = types.ShardIteratorTypeLatest
	}

	out, err := client.GetShardIterator(ctx, input)
	if err != nil {
		return classify(err, "failed to get shard iterator")
	}
	cursor.iterator = aws.ToString(out.ShardIterator)
	return nil
}

// pollRound issues one GetRecords per tracked shard, all shards in
// parallel, funneling records through serial handler invocations.
func (c *Connector) pollRound(ctx context.Context, client *kinesis.Client, handler core.EventHandler) error {
	c.curMu.Lock()
	shardIDs := make([]string, 0, len(c.cursors))
	for id := range c.cursors {
		shardIDs = append(shardIDs, id)
	}
	c.curMu.Unlock()

	var (
		wg        sync.WaitGroup
		errMu     sync.Mutex
		roundErr  error
		throttled atomic.Bool
	)

	for _, shardID := range shardIDs {
		wg.Add(1)
		go func(shardID string) {
			defer wg.Done()
			if err := c.pollShard(ctx, client, shardID, handler, &throttled); err != nil {
				errMu.Lock()
				if roundErr == nil {
					roundErr = err
				}
				errMu.Unlock()
			}
		}(shardID)
	}
	wg.Wait()

	if roundErr != nil {
		return roundErr
	}

	if throttled.Load() {
		c.widenPollInterval()
	} else {
		c.pollInterval.Store(int64(c.basePollInterval()))
	}
	return nil
}

// pollShard drains one GetRecords call for the shard.
func (c *Connector) pollShard(ctx context.Context, client *kinesis.Client, shardID string, handler core.EventHandler, throttled *atomic.Bool) error {
	c.curMu.Lock()
	cursor := c.cursors[shardID]
	c.curMu.Unlock()
	if cursor == nil || cursor.iterator == "" {
		return nil
	}

	out, err := client.GetRecords(ctx, &kinesis.GetRecordsInput{
		ShardIterator: aws.String(cursor.iterator),
		Limit:         aws.Int32(recordsPerPoll),
	})
	if err != nil {
		var throttle *types.ProvisionedThroughputExceededException
		if stderrors.As(err, &throttle) {
			// Widen the interval; no reconnect.
			throttled.Store(true)
			metrics.ThrottleEvents.WithLabelValues(string(c.Platform()), c.Name()).Inc()
			return nil
		}

		var expired *types.ExpiredIteratorException
		if stderrors.As(err, &expired) {
			return c.openIterator(ctx, client, shardID, cursor)
		}

		return classify(err, "failed to get records")
	}

	for _, record := range out.Records {
		if !c.Consuming() {
			break
		}

		event := eventFromRecord(shardID, record)

		c.handlerMu.Lock()
		c.AccountConsumed(len(record.Data))
		herr := handler(ctx, event)
		c.handlerMu.Unlock()

		if herr != nil {
			// No per-record ack on Kinesis: log and continue.
			c.AccountHandlerError()
			c.Logger().Error("handler failed, continuing",
				zap.String("shard_id", shardID),
				zap.String("sequence_number", aws.ToString(record.SequenceNumber)),
				zap.Error(herr))
		}

		cursor.lastSequence = aws.ToString(record.SequenceNumber)
	}

	cursor.iterator = aws.ToString(out.NextShardIterator)
	return nil
}

// widenPollInterval doubles the poll interval up to the cap.
func (c *Connector) widenPollInterval() {
	current := time.Duration(c.pollInterval.Load())
	next := current * 2
	if next > maxPollInterval {
		next = maxPollInterval
	}
	c.pollInterval.Store(int64(next))
	c.Logger().Warn("throughput exceeded, widening poll interval",
		zap.Duration("poll_interval", next))
}

func (c *Connector) sleepPollInterval(ctx context.Context) error {
	timer := time.NewTimer(time.Duration(c.pollInterval.Load()))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Connector) basePollInterval() time.Duration {
	if pi := c.Config().Consumer.PollInterval; pi > 0 {
		return pi
	}
	return time.Second
}

// Produce sends one record. Kinesis requires a partition key, so keyless
// events get a random one.
func (c *Connector) Produce(ctx context.Context, event *core.StreamEvent) error {
	payload, err := core.EncodeValue(event.Value)
	if err != nil {
		return err
	}
	if len(payload) > maxRecordBytes {
		return errors.Newf(errors.ErrorTypePayload, "record of %d bytes exceeds the 1MB kinesis limit", len(payload))
	}

	key := event.Key
	if key == "" {
		key = uuid.NewString()
	}

	op := func(ctx context.Context) error {
		c.connMu.Lock()
		client := c.client
		c.connMu.Unlock()
		if client == nil {
			return errors.New(errors.ErrorTypeConnection, "client is not initialized")
		}

		_, err := client.PutRecord(ctx, &kinesis.PutRecordInput{
			StreamName:   aws.String(c.Config().Connection.StreamName),
			PartitionKey: aws.String(key),
			Data:         payload,
		})
		if err != nil {
			return classify(err, "kinesis put failed")
		}
		c.AccountProduced(1, len(payload))
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// ProduceBatch sends events through PutRecords in physical batches of at
// most 500 records, aggregating per-record failures into the returned
// success count.
func (c *Connector) ProduceBatch(ctx context.Context, events []*core.StreamEvent) (int, error) {
	c.connMu.Lock()
	client := c.client
	c.connMu.Unlock()
	if client == nil {
		return 0, errors.New(errors.ErrorTypeConnection, "client is not initialized")
	}

	succeeded := 0

	for _, batch := range base.SplitBatches(events, maxRecordsPerPut) {
		metrics.BatchSize.WithLabelValues(string(c.Platform()), c.Name()).Observe(float64(len(batch)))

		entries := make([]types.PutRecordsRequestEntry, 0, len(batch))
		batchBytes := 0
		for _, ev := range batch {
			payload, err := core.EncodeValue(ev.Value)
			if err != nil {
				c.Logger().Error("skipping unencodable event", zap.Error(err))
				continue
			}
			if len(payload) > maxRecordBytes {
				c.Logger().Error("skipping oversized record",
					zap.Int("bytes", len(payload)))
				continue
			}

			key := ev.Key
			if key == "" {
				key = uuid.NewString()
			}
			entries = append(entries, types.PutRecordsRequestEntry{
				Data:         payload,
				PartitionKey: aws.String(key),
			})
			batchBytes += len(payload)
		}
		if len(entries) == 0 {
			continue
		}

		out, err := client.PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String(c.Config().Connection.StreamName),
			Records:    entries,
		})
		if err != nil {
			return succeeded, classify(err, "kinesis batch put failed")
		}

		failed := int(aws.ToInt32(out.FailedRecordCount))
		if failed > 0 {
			for _, result := range out.Records {
				if result.ErrorCode != nil {
					c.Logger().Error("batch record failed",
						zap.String("error_code", aws.ToString(result.ErrorCode)),
						zap.String("error_message", aws.ToString(result.ErrorMessage)))
				}
			}
		}

		sent := len(entries) - failed
		succeeded += sent
		c.AccountProduced(sent, batchBytes)
	}

	if succeeded < len(events) {
		c.Logger().Warn("batch completed with partial failures",
			zap.Int("requested", len(events)),
			zap.Int("succeeded", succeeded))
	}
	return succeeded, nil
}

// eventFromRecord normalizes a Kinesis record into a StreamEvent.
func eventFromRecord(shardID string, record types.Record) *core.StreamEvent {
	event := &core.StreamEvent{
		Key:       aws.ToString(record.PartitionKey),
		Value:     core.NormalizeValue(record.Data),
		Partition: shardID,
		Offset:    aws.ToString(record.SequenceNumber),
	}
	if record.ApproximateArrivalTimestamp != nil {
		event.Timestamp = *record.ApproximateArrivalTimestamp
	}
	event.SetMeta("shard_id", shardID)
	event.SetMeta("sequence_number", aws.ToString(record.SequenceNumber))
	return event
}

// classify maps SDK errors onto the shared taxonomy.
func classify(err error, msg string) error {
	var throttle *types.ProvisionedThroughputExceededException
	if stderrors.As(err, &throttle) {
		return errors.Wrap(err, errors.ErrorTypeThrottling, msg)
	}
	var notFound *types.ResourceNotFoundException
	if stderrors.As(err, &notFound) {
		return errors.Wrap(err, errors.ErrorTypeConnection, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeTransient, msg)
}
