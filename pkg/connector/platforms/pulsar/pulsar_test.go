package pulsar

import (
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
)

func coreEvent(key string, value interface{}, ts time.Time) *core.StreamEvent {
	return &core.StreamEvent{Key: key, Value: value, Timestamp: ts}
}

func TestNewRequiresServiceURL(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformPulsar)
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg.Connection.ServiceURL = "pulsar://localhost:6650"
	client, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, client.IsConnected())
}

func TestCompressionType(t *testing.T) {
	cases := map[string]pulsar.CompressionType{
		"":     pulsar.NoCompression,
		"none": pulsar.NoCompression,
		"lz4":  pulsar.LZ4,
		"zstd": pulsar.ZSTD,
		"gzip": pulsar.ZLib,
		"zlib": pulsar.ZLib,
	}
	for codec, want := range cases {
		got, err := compressionType(codec)
		require.NoError(t, err, codec)
		assert.Equal(t, want, got, codec)
	}
}

func TestCompressionTypeRejectsSnappy(t *testing.T) {
	_, err := compressionType("snappy")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestMaxBatchMessagesDefault(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformPulsar)
	cfg.Producer.BatchMaxMessages = 0
	assert.Equal(t, 100, maxBatchMessages(cfg))

	cfg.Producer.BatchMaxMessages = 250
	assert.Equal(t, 250, maxBatchMessages(cfg))
}

func TestProducerMessage(t *testing.T) {
	ts := time.Now()
	msg, size, err := producerMessage(coreEvent("order-1", map[string]interface{}{"qty": 1}, ts))
	require.NoError(t, err)

	assert.Equal(t, "order-1", msg.Key)
	assert.Equal(t, ts, msg.EventTime)
	assert.JSONEq(t, `{"qty": 1}`, string(msg.Payload))
	assert.Equal(t, len(msg.Payload), size)
}

func TestProducerMessageZeroTimestampOmitted(t *testing.T) {
	msg, _, err := producerMessage(coreEvent("", "plain", time.Time{}))
	require.NoError(t, err)
	assert.True(t, msg.EventTime.IsZero())
	assert.Equal(t, "plain", string(msg.Payload))
}

func TestClassifySendError(t *testing.T) {
	err := classifySendError(assert.AnError)
	assert.True(t, errors.IsTransient(err))
}
