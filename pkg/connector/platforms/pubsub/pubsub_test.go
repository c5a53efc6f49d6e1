package pubsub

import (
	"testing"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
)

func TestNewRequiresProjectID(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformPubSub)
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg.Connection.ProjectID = "proj"
	client, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, client.IsConnected())
}

func TestProvisionerInterface(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformPubSub)
	cfg.Connection.ProjectID = "proj"

	client, err := New(cfg)
	require.NoError(t, err)

	_, ok := client.(core.Provisioner)
	assert.True(t, ok)
	_, ok = client.(core.BatchProducer)
	assert.True(t, ok)
}

func TestEventFromMessage(t *testing.T) {
	publishTime := time.Now()
	attempt := 2
	msg := &gpubsub.Message{
		ID:              "msg-17",
		Data:            []byte(`{"qty": 5}`),
		OrderingKey:     "order-4",
		PublishTime:     publishTime,
		Attributes:      map[string]string{"trace": "abc"},
		DeliveryAttempt: &attempt,
	}

	event := eventFromMessage(msg)
	assert.Equal(t, "order-4", event.Key)
	assert.Equal(t, "msg-17", event.Offset)
	assert.Equal(t, publishTime, event.Timestamp)
	assert.Equal(t, "abc", event.Headers["trace"])
	assert.Equal(t, 2, event.Metadata["delivery_attempt"])

	m, ok := event.Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(5), m["qty"])
}

func TestCopyAttributesDetaches(t *testing.T) {
	attrs := map[string]string{"a": "1"}
	got := copyAttributes(attrs)
	attrs["a"] = "mutated"
	assert.Equal(t, "1", got["a"])

	assert.Nil(t, copyAttributes(nil))
}

func TestClassifyGRPCCodes(t *testing.T) {
	cases := []struct {
		code codes.Code
		typ  errors.ErrorType
	}{
		{codes.NotFound, errors.ErrorTypeConnection},
		{codes.PermissionDenied, errors.ErrorTypeConnection},
		{codes.ResourceExhausted, errors.ErrorTypeThrottling},
		{codes.InvalidArgument, errors.ErrorTypePayload},
		{codes.Unavailable, errors.ErrorTypeTransient},
		{codes.DeadlineExceeded, errors.ErrorTypeTransient},
	}

	for _, tc := range cases {
		err := classify(status.Error(tc.code, "boom"), "publish failed")
		assert.True(t, errors.IsType(err, tc.typ), tc.code.String())
	}
}
