package eventhubs

import (
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
)

func streamEvent(key string, value interface{}, headers map[string]string) *core.StreamEvent {
	return &core.StreamEvent{Key: key, Value: value, Headers: headers}
}

const testConnStr = "Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=key;SharedAccessKey=secret"

func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	cfg := config.NewStreamConfig(config.PlatformEventHubs)
	cfg.Connection.ConnectionString = testConnStr
	cfg.Connection.EventHubName = "orders"

	client, err := New(cfg)
	require.NoError(t, err)
	return client.(*Connector)
}

func TestNewRequiresConnectionString(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformEventHubs)
	cfg.Connection.EventHubName = "orders"
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestNewRequiresHubName(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformEventHubs)
	cfg.Connection.ConnectionString = testConnStr
	_, err := New(cfg)
	require.Error(t, err)

	// A producer topic alone also satisfies the requirement.
	cfg.Producer.Topic = "orders-out"
	_, err = New(cfg)
	require.NoError(t, err)
}

func TestHubNameResolution(t *testing.T) {
	c := newTestConnector(t)
	assert.Equal(t, "orders", c.consumerHub())
	assert.Equal(t, "orders", c.producerHub())

	c.Config().Producer.Topic = "orders-out"
	assert.Equal(t, "orders-out", c.producerHub())
	assert.Equal(t, "orders", c.consumerHub())
}

func TestConsumerHubFallsBackToTopics(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformEventHubs)
	cfg.Connection.ConnectionString = testConnStr
	cfg.Producer.Topic = "out"
	cfg.Consumer.Topics = []string{"in"}

	client, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "in", client.(*Connector).consumerHub())
}

func TestReceiveCountDerivedFromByteBudget(t *testing.T) {
	c := newTestConnector(t)

	// Default budget is 1MB.
	assert.Equal(t, (1<<20)/nominalEventBytes, c.receiveCount())

	c.Config().Consumer.MaxBytesPerPartition = 8 << 10
	assert.Equal(t, 2, c.receiveCount())

	// A budget below one nominal event still receives one at a time.
	c.Config().Consumer.MaxBytesPerPartition = 100
	assert.Equal(t, 1, c.receiveCount())

	c.Config().Consumer.MaxBytesPerPartition = 100 << 20
	assert.Equal(t, maxReceiveCount, c.receiveCount())

	c.Config().Consumer.MaxBytesPerPartition = 0
	assert.Equal(t, defaultReceiveCount, c.receiveCount())
}

func TestEventData(t *testing.T) {
	data, size, err := eventData(streamEvent("k", map[string]interface{}{"a": float64(1)}, map[string]string{"trace": "abc"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(data.Body))
	assert.Equal(t, len(data.Body), size)
	assert.Equal(t, "abc", data.Properties["trace"])
}

func TestEventFromReceived(t *testing.T) {
	key := "order-3"
	enqueued := time.Now()
	received := &azeventhubs.ReceivedEventData{
		EventData: azeventhubs.EventData{
			Body:       []byte(`{"qty": 7}`),
			Properties: map[string]any{"trace": "abc"},
		},
		PartitionKey:   &key,
		EnqueuedTime:   &enqueued,
		SequenceNumber: 99,
	}

	event := eventFromReceived("0", received)
	assert.Equal(t, "order-3", event.Key)
	assert.Equal(t, "0", event.Partition)
	assert.Equal(t, "99", event.Offset)
	assert.Equal(t, enqueued, event.Timestamp)
	assert.Equal(t, "abc", event.Headers["trace"])

	m, ok := event.Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(7), m["qty"])
}

func TestClassify(t *testing.T) {
	err := classify(errPlain("amqp: link detached, reason: com.microsoft:server-busy"), "send failed")
	assert.True(t, errors.IsThrottling(err))

	err = classify(assert.AnError, "send failed")
	assert.True(t, errors.IsTransient(err))
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
