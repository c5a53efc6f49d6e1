package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
)

func TestRegisterAllCoversEveryPlatform(t *testing.T) {
	RegisterAll()
	RegisterAll() // idempotent

	assert.ElementsMatch(t, config.Platforms(), Platforms())
}

func TestOpenInstantiatesWithoutConnecting(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformKafka)
	cfg.Connection.Brokers = []string{"localhost:9092"}

	client, err := Open(cfg)
	require.NoError(t, err)
	assert.False(t, client.IsConnected())
	assert.Equal(t, core.StateDisconnected, client.State())
}

func TestOpenRejectsMissingEndpoint(t *testing.T) {
	// No brokers and no KAFKA_BROKERS fallback.
	t.Setenv("KAFKA_BROKERS", "")

	_, err := Open(config.NewStreamConfig(config.PlatformKafka))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestBatchCapablePlatforms(t *testing.T) {
	cases := []struct {
		platform config.Platform
		prepare  func(cfg *config.StreamConfig)
		batch    bool
	}{
		{config.PlatformPulsar, func(c *config.StreamConfig) { c.Connection.ServiceURL = "pulsar://localhost:6650" }, true},
		{config.PlatformKinesis, func(c *config.StreamConfig) {
			c.Connection.Region = "us-east-1"
			c.Connection.StreamName = "orders"
		}, true},
		{config.PlatformPubSub, func(c *config.StreamConfig) { c.Connection.ProjectID = "proj" }, true},
		{config.PlatformEventHubs, func(c *config.StreamConfig) {
			c.Connection.ConnectionString = "Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=k;SharedAccessKey=v"
			c.Connection.EventHubName = "orders"
		}, true},
		{config.PlatformRedisStreams, func(c *config.StreamConfig) { c.Connection.Addr = "localhost:6379" }, true},
		{config.PlatformKafka, func(c *config.StreamConfig) { c.Connection.Brokers = []string{"localhost:9092"} }, false},
		{config.PlatformNATS, func(c *config.StreamConfig) { c.Connection.URL = "nats://localhost:4222" }, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.platform), func(t *testing.T) {
			cfg := config.NewStreamConfig(tc.platform)
			tc.prepare(cfg)

			client, err := Open(cfg)
			require.NoError(t, err)

			_, ok := client.(core.BatchProducer)
			assert.Equal(t, tc.batch, ok)
		})
	}
}

func TestProvisionerExtension(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformPubSub)
	cfg.Connection.ProjectID = "proj"

	client, err := Open(cfg)
	require.NoError(t, err)

	_, ok := client.(core.Provisioner)
	assert.True(t, ok, "pubsub must expose provisioning")

	kcfg := config.NewStreamConfig(config.PlatformKafka)
	kcfg.Connection.Brokers = []string{"localhost:9092"}
	kclient, err := Open(kcfg)
	require.NoError(t, err)

	_, ok = kclient.(core.Provisioner)
	assert.False(t, ok)
}
