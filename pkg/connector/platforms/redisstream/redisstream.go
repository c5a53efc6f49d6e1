// Package redisstream implements the Redis Streams platform connector on
// top of go-redis.
//
// Consumption is a blocking XREAD loop with one last-delivered-ID cursor
// per stream. Plain XREAD has no per-message acknowledgment, so a handler
// error is logged and the cursor advances past the entry.
//
// Events are stored as stream entries with a fixed field layout: "key"
// and "value" fields plus one "hdr:<name>" field per header, so arbitrary
// payloads and headers round-trip through the flat entry model.
package redisstream

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/base"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
	"github.com/nexflow/streambridge/pkg/metrics"
)

const (
	fieldKey       = "key"
	fieldValue     = "value"
	headerPrefix   = "hdr:"
	recordsPerRead = 100
)

// Connector is the Redis Streams platform connector.
type Connector struct {
	*base.Connector

	client *redis.Client

	// cursors maps stream name to the last handled entry ID so reconnects
	// resume instead of replaying or skipping.
	cursors  map[string]string
	cursorMu sync.Mutex

	connMu sync.Mutex
}

// New creates a Redis Streams connector bound to cfg.
func New(cfg *config.StreamConfig) (core.PlatformClient, error) {
	if cfg.Connection.Addr == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "redis-streams requires connection.addr")
	}
	return &Connector{
		Connector: base.NewConnector(cfg),
		cursors:   make(map[string]string),
	}, nil
}

// Connect opens the client and pings the server as a reachability probe.
func (c *Connector) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.SetState(core.StateConnecting)

	client := redis.NewClient(&redis.Options{
		Addr:     c.Config().Connection.Addr,
		Password: c.Config().Connection.Password,
		DB:       c.Config().Connection.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		c.SetState(core.StateDisconnected)
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to redis")
	}
	c.client = client

	c.Reconnect().Reset()
	c.Throughput().MarkConnected()
	c.SetState(core.StateConnected)
	c.Logger().Info("connected", zap.String("addr", c.Config().Connection.Addr))
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

// Consume runs the blocking XREAD loop over the configured streams until
// Disconnect clears the consuming flag.
func (c *Connector) Consume(ctx context.Context, handler core.EventHandler) error {
	streams := c.Config().Consumer.Topics
	if len(streams) == 0 {
		return errors.New(errors.ErrorTypeConfig, "redis-streams requires consumer.topics")
	}

	if err := c.BeginConsuming(); err != nil {
		return err
	}
	defer c.EndConsuming()

	c.initCursors(streams)

	op := func(ctx context.Context) error {
		for c.Consuming() {
			c.connMu.Lock()
			client := c.client
			c.connMu.Unlock()
			if client == nil {
				return errors.New(errors.ErrorTypeConnection, "client is not initialized")
			}

			res, err := client.XRead(ctx, &redis.XReadArgs{
				Streams: c.streamsWithCursors(streams),
				Count:   recordsPerRead,
				Block:   c.blockInterval(),
			}).Result()
			if err != nil {
				if stderrors.Is(err, redis.Nil) {
					continue // block timeout, idle round
				}
				if ctx.Err() != nil {
					return nil
				}
				return classify(err, "redis xread failed")
			}

			for _, stream := range res {
				for _, msg := range stream.Messages {
					event, size := eventFromEntry(stream.Stream, msg)
					c.AccountConsumed(size)

					if herr := handler(ctx, event); herr != nil {
						c.AccountHandlerError()
						c.Logger().Error("handler failed, continuing past entry",
							zap.String("stream", stream.Stream),
							zap.String("entry_id", msg.ID),
							zap.Error(herr))
					}

					c.cursorMu.Lock()
					c.cursors[stream.Stream] = msg.ID
					c.cursorMu.Unlock()
				}
			}
		}
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// initCursors seeds missing cursors at the configured start position.
// Cursors surviving a reconnect are kept so consumption resumes.
func (c *Connector) initCursors(streams []string) {
	start := "$"
	if c.Config().Consumer.FromBeginning {
		start = "0"
	}

	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	for _, s := range streams {
		if _, ok := c.cursors[s]; !ok {
			c.cursors[s] = start
		}
	}
}

// streamsWithCursors builds the XREAD argument: stream names followed by
// their cursor IDs in matching order.
func (c *Connector) streamsWithCursors(streams []string) []string {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()

	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for _, s := range streams {
		args = append(args, c.cursors[s])
	}
	return args
}

func (c *Connector) blockInterval() time.Duration {
	if v := c.Config().Consumer.PollInterval; v > 0 {
		return v
	}
	return time.Second
}

// Produce appends one entry to the configured stream.
func (c *Connector) Produce(ctx context.Context, event *core.StreamEvent) error {
	values, size, err := entryValues(event)
	if err != nil {
		return err
	}

	op := func(ctx context.Context) error {
		c.connMu.Lock()
		client := c.client
		c.connMu.Unlock()
		if client == nil {
			return errors.New(errors.ErrorTypeConnection, "client is not initialized")
		}

		if err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: c.Config().Producer.Topic,
			Values: values,
		}).Err(); err != nil {
			return classify(err, "redis xadd failed")
		}
		c.AccountProduced(1, size)
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// ProduceBatch appends events through a pipeline so the round trips are
// amortized. Per-entry failures are logged and subtracted from the
// returned success count.
func (c *Connector) ProduceBatch(ctx context.Context, events []*core.StreamEvent) (int, error) {
	c.connMu.Lock()
	client := c.client
	c.connMu.Unlock()
	if client == nil {
		return 0, errors.New(errors.ErrorTypeConnection, "client is not initialized")
	}

	limit := c.Config().Producer.BatchMaxMessages
	stream := c.Config().Producer.Topic
	succeeded := 0

	for _, batch := range base.SplitBatches(events, limit) {
		metrics.BatchSize.WithLabelValues(string(c.Platform()), c.Name()).Observe(float64(len(batch)))

		pipe := client.Pipeline()
		sizes := make([]int, 0, len(batch))
		cmds := make([]*redis.StringCmd, 0, len(batch))

		for _, ev := range batch {
			values, size, err := entryValues(ev)
			if err != nil {
				c.Logger().Error("skipping unencodable event", zap.Error(err))
				continue
			}
			cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				Values: values,
			}))
			sizes = append(sizes, size)
		}

		if _, err := pipe.Exec(ctx); err != nil && !stderrors.Is(err, redis.Nil) {
			// Exec reports the first command error; per-command results
			// below decide what actually landed.
			c.Logger().Warn("pipeline completed with errors", zap.Error(err))
		}

		sent := 0
		sentSize := 0
		for i, cmd := range cmds {
			if cmd.Err() != nil {
				c.Logger().Error("batch entry failed", zap.Error(cmd.Err()))
				continue
			}
			sent++
			sentSize += sizes[i]
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

// entryValues flattens a StreamEvent into the stream entry field layout.
func entryValues(event *core.StreamEvent) (map[string]interface{}, int, error) {
	payload, err := core.EncodeValue(event.Value)
	if err != nil {
		return nil, 0, err
	}

	values := map[string]interface{}{
		fieldValue: string(payload),
	}
	if event.Key != "" {
		values[fieldKey] = event.Key
	}
	for k, v := range event.Headers {
		values[headerPrefix+k] = v
	}
	return values, len(payload), nil
}

// eventFromEntry reverses entryValues, tolerating entries written by other
// producers that lack the expected fields.
func eventFromEntry(stream string, msg redis.XMessage) (*core.StreamEvent, int) {
	event := &core.StreamEvent{
		Partition: stream,
		Offset:    msg.ID,
	}

	size := 0
	for field, raw := range msg.Values {
		s, _ := raw.(string)
		switch {
		case field == fieldKey:
			event.Key = s
		case field == fieldValue:
			event.Value = core.NormalizeValue([]byte(s))
			size = len(s)
		case strings.HasPrefix(field, headerPrefix):
			if event.Headers == nil {
				event.Headers = make(map[string]string)
			}
			event.Headers[strings.TrimPrefix(field, headerPrefix)] = s
		default:
			event.SetMeta(field, s)
		}
	}

	// Entry IDs encode the append timestamp as epoch milliseconds.
	if dash := strings.IndexByte(msg.ID, '-'); dash > 0 {
		if ms, err := strconv.ParseInt(msg.ID[:dash], 10, 64); err == nil {
			event.Timestamp = time.UnixMilli(ms)
		}
	}
	return event, size
}

// classify maps redis errors onto the shared taxonomy.
func classify(err error, msg string) error {
	s := err.Error()
	switch {
	case strings.Contains(s, "NOAUTH"), strings.Contains(s, "WRONGPASS"), strings.Contains(s, "NOPERM"):
		return errors.Wrap(err, errors.ErrorTypeConnection, msg)
	case strings.Contains(s, "LOADING"), strings.Contains(s, "BUSY"):
		return errors.Wrap(err, errors.ErrorTypeThrottling, msg)
	case strings.Contains(s, "OOM"):
		return errors.Wrap(err, errors.ErrorTypeUnavailable, msg)
	default:
		return errors.Wrap(err, errors.ErrorTypeTransient, msg)
	}
}
