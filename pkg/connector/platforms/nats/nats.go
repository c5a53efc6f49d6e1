// Package nats implements the NATS platform connector on top of nats.go.
//
// Core NATS is an at-most-once transport: there are no offsets, no
// acknowledgments, and no replay. A handler error is logged and the
// message is gone. Subscriptions are channel-based so the consume loop
// can observe the consuming flag between deliveries; a consumer group ID
// maps onto a NATS queue group.
//
// The connector deliberately disables the client's built-in reconnect so
// the shared backoff policy governs recovery like every other platform.
package nats

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/base"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
)

// keyHeader carries the event key, which core NATS has no native slot for.
const keyHeader = "Msg-Key"

// deliveryBuffer sizes the subscription channel shared by all subjects.
const deliveryBuffer = 1024

// Connector is the NATS platform connector.
type Connector struct {
	*base.Connector

	conn   *nats.Conn
	connMu sync.Mutex
}

// New creates a NATS connector bound to cfg.
func New(cfg *config.StreamConfig) (core.PlatformClient, error) {
	if cfg.Connection.URL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "nats requires connection.url")
	}
	return &Connector{Connector: base.NewConnector(cfg)}, nil
}

// Connect dials the server. Client-side reconnect stays off so recovery
// runs through the shared backoff policy.
func (c *Connector) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.SetState(core.StateConnecting)

	conn, err := nats.Connect(c.Config().Connection.URL,
		nats.Name(c.Name()),
		nats.Timeout(10*time.Second),
		nats.NoReconnect(),
	)
	if err != nil {
		c.SetState(core.StateDisconnected)
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to nats")
	}
	c.conn = conn

	c.Reconnect().Reset()
	c.Throughput().MarkConnected()
	c.SetState(core.StateConnected)
	c.Logger().Info("connected", zap.String("url", c.Config().Connection.URL))
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
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Connector) reconnectHandles(ctx context.Context) error {
	c.connMu.Lock()
	c.closeHandles()
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Consume subscribes to the configured subjects and delivers messages
// until Disconnect clears the consuming flag. With a group ID set the
// subjects are joined as a queue group, so instances share the load.
func (c *Connector) Consume(ctx context.Context, handler core.EventHandler) error {
	subjects := c.Config().Consumer.Topics
	if len(subjects) == 0 {
		return errors.New(errors.ErrorTypeConfig, "nats requires consumer.topics")
	}

	if err := c.BeginConsuming(); err != nil {
		return err
	}
	defer c.EndConsuming()

	op := func(ctx context.Context) error {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return errors.New(errors.ErrorTypeConnection, "connection is not initialized")
		}

		deliveries := make(chan *nats.Msg, deliveryBuffer)
		subs := make([]*nats.Subscription, 0, len(subjects))
		for _, subject := range subjects {
			sub, err := c.subscribe(conn, subject, deliveries)
			if err != nil {
				drainAll(subs)
				return classify(err, "failed to subscribe")
			}
			subs = append(subs, sub)
		}
		defer drainAll(subs)

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if !c.Consuming() {
					return nil
				}
				if !conn.IsConnected() {
					return errors.New(errors.ErrorTypeTransient, "nats connection lost")
				}
			case msg := <-deliveries:
				event := eventFromMsg(msg)
				c.AccountConsumed(len(msg.Data))

				if herr := handler(ctx, event); herr != nil {
					// At-most-once transport: nothing to nack, the
					// message is already gone.
					c.AccountHandlerError()
					c.Logger().Error("handler failed, message dropped",
						zap.String("subject", msg.Subject),
						zap.Error(herr))
				}
			}
		}
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

func (c *Connector) subscribe(conn *nats.Conn, subject string, deliveries chan *nats.Msg) (*nats.Subscription, error) {
	if group := c.Config().Consumer.GroupID; group != "" {
		return conn.ChanQueueSubscribe(subject, group, deliveries)
	}
	return conn.ChanSubscribe(subject, deliveries)
}

func drainAll(subs []*nats.Subscription) {
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// Produce publishes one message to the configured subject. With
// acknowledgments required the call flushes, so a broken connection
// surfaces here instead of on a later publish.
func (c *Connector) Produce(ctx context.Context, event *core.StreamEvent) error {
	payload, err := core.EncodeValue(event.Value)
	if err != nil {
		return err
	}

	op := func(ctx context.Context) error {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return errors.New(errors.ErrorTypeConnection, "connection is not initialized")
		}

		msg := &nats.Msg{
			Subject: c.Config().Producer.Topic,
			Data:    payload,
			Header:  headerFromEvent(event),
		}
		if err := conn.PublishMsg(msg); err != nil {
			return classify(err, "nats publish failed")
		}

		if c.Config().Producer.RequireAcks() {
			timeout := c.Config().Producer.Timeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			if err := conn.FlushTimeout(timeout); err != nil {
				return classify(err, "nats flush failed")
			}
		}

		c.AccountProduced(1, len(payload))
		return nil
	}

	return c.RunWithReconnect(ctx, op, c.reconnectHandles)
}

// headerFromEvent folds the event key and headers into a NATS header.
func headerFromEvent(event *core.StreamEvent) nats.Header {
	if event.Key == "" && len(event.Headers) == 0 {
		return nil
	}
	header := nats.Header{}
	if event.Key != "" {
		header.Set(keyHeader, event.Key)
	}
	for k, v := range event.Headers {
		header.Set(k, v)
	}
	return header
}

// eventFromMsg normalizes a NATS message into a StreamEvent. Core NATS
// has no offsets, so Offset stays empty and Timestamp is the receive time.
func eventFromMsg(msg *nats.Msg) *core.StreamEvent {
	event := &core.StreamEvent{
		Value:     core.NormalizeValue(msg.Data),
		Timestamp: time.Now(),
		Partition: msg.Subject,
	}
	for k, values := range msg.Header {
		if len(values) == 0 {
			continue
		}
		if k == keyHeader {
			event.Key = values[0]
			continue
		}
		if event.Headers == nil {
			event.Headers = make(map[string]string)
		}
		event.Headers[k] = values[0]
	}
	return event
}

// classify maps nats.go errors onto the shared taxonomy.
func classify(err error, msg string) error {
	switch {
	case stderrors.Is(err, nats.ErrMaxPayload):
		return errors.Wrap(err, errors.ErrorTypePayload, msg)
	case stderrors.Is(err, nats.ErrAuthorization), stderrors.Is(err, nats.ErrNoServers):
		return errors.Wrap(err, errors.ErrorTypeConnection, msg)
	case stderrors.Is(err, nats.ErrSlowConsumer):
		return errors.Wrap(err, errors.ErrorTypeThrottling, msg)
	case stderrors.Is(err, nats.ErrTimeout):
		return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
	default:
		return errors.Wrap(err, errors.ErrorTypeTransient, msg)
	}
}
