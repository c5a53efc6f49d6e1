package nats

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
)

func TestNewRequiresURL(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformNATS)
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg.Connection.URL = "nats://localhost:4222"
	client, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, client.IsConnected())
}

func TestHeaderFromEvent(t *testing.T) {
	header := headerFromEvent(&core.StreamEvent{
		Key:     "order-1",
		Headers: map[string]string{"trace": "abc"},
	})
	require.NotNil(t, header)
	assert.Equal(t, "order-1", header.Get(keyHeader))
	assert.Equal(t, "abc", header.Get("trace"))
}

func TestHeaderFromEventEmpty(t *testing.T) {
	assert.Nil(t, headerFromEvent(&core.StreamEvent{Value: "x"}))
}

func TestEventFromMsgRoundTrip(t *testing.T) {
	original := &core.StreamEvent{
		Key:     "order-2",
		Value:   map[string]interface{}{"qty": float64(4)},
		Headers: map[string]string{"Trace": "xyz"},
	}

	payload, err := core.EncodeValue(original.Value)
	require.NoError(t, err)

	msg := &nats.Msg{
		Subject: "orders.created",
		Data:    payload,
		Header:  headerFromEvent(original),
	}

	got := eventFromMsg(msg)
	assert.Equal(t, "order-2", got.Key)
	assert.Equal(t, "orders.created", got.Partition)
	assert.Empty(t, got.Offset)
	assert.Equal(t, "xyz", got.Headers["Trace"])
	assert.False(t, got.Timestamp.IsZero())

	m, ok := got.Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(4), m["qty"])
}

func TestEventFromMsgNoHeaders(t *testing.T) {
	got := eventFromMsg(&nats.Msg{Subject: "plain", Data: []byte("hello")})
	assert.Empty(t, got.Key)
	assert.Nil(t, got.Headers)
	assert.Equal(t, "hello", got.Value)
}

func TestClassify(t *testing.T) {
	assert.True(t, errors.IsType(classify(nats.ErrMaxPayload, "publish"), errors.ErrorTypePayload))
	assert.True(t, errors.IsType(classify(nats.ErrAuthorization, "connect"), errors.ErrorTypeConnection))
	assert.True(t, errors.IsThrottling(classify(nats.ErrSlowConsumer, "consume")))
	assert.True(t, errors.IsType(classify(nats.ErrTimeout, "flush"), errors.ErrorTypeTimeout))
	assert.True(t, errors.IsTransient(classify(assert.AnError, "publish")))
}
