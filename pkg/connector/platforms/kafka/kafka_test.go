package kafka

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/errors"
)

func TestNewRequiresBrokers(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformKafka)
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg.Connection.Brokers = []string{"localhost:9092"}
	client, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, client.IsConnected())
}

func TestBuildSaramaConfigAcks(t *testing.T) {
	cases := []struct {
		acks string
		want sarama.RequiredAcks
	}{
		{"", sarama.WaitForAll},
		{"all", sarama.WaitForAll},
		{"one", sarama.WaitForLocal},
		{"none", sarama.NoResponse},
	}
	for _, tc := range cases {
		cfg := config.NewStreamConfig(config.PlatformKafka)
		cfg.Producer.Acks = tc.acks

		saramaCfg, err := buildSaramaConfig(cfg)
		require.NoError(t, err, tc.acks)
		assert.Equal(t, tc.want, saramaCfg.Producer.RequiredAcks, tc.acks)
	}
}

func TestBuildSaramaConfigRejectsInvalidAcks(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformKafka)
	cfg.Producer.Acks = "quorum"

	_, err := buildSaramaConfig(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestBuildSaramaConfigCompression(t *testing.T) {
	cases := map[string]sarama.CompressionCodec{
		"":       sarama.CompressionNone,
		"none":   sarama.CompressionNone,
		"gzip":   sarama.CompressionGZIP,
		"snappy": sarama.CompressionSnappy,
		"lz4":    sarama.CompressionLZ4,
		"zstd":   sarama.CompressionZSTD,
	}
	for codec, want := range cases {
		cfg := config.NewStreamConfig(config.PlatformKafka)
		cfg.Producer.Compression = codec

		saramaCfg, err := buildSaramaConfig(cfg)
		require.NoError(t, err, codec)
		assert.Equal(t, want, saramaCfg.Producer.Compression, codec)
	}

	cfg := config.NewStreamConfig(config.PlatformKafka)
	cfg.Producer.Compression = "brotli"
	_, err := buildSaramaConfig(cfg)
	require.Error(t, err)
}

func TestBuildSaramaConfigIdempotentForcesConstraints(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformKafka)
	cfg.Producer.Idempotent = true
	cfg.Producer.Acks = "one"
	cfg.Producer.MaxInFlight = 5

	saramaCfg, err := buildSaramaConfig(cfg)
	require.NoError(t, err)
	assert.True(t, saramaCfg.Producer.Idempotent)
	assert.Equal(t, sarama.WaitForAll, saramaCfg.Producer.RequiredAcks)
	assert.Equal(t, 1, saramaCfg.Net.MaxOpenRequests)
}

func TestBuildSaramaConfigConsumerSection(t *testing.T) {
	cfg := config.NewStreamConfig(config.PlatformKafka)
	cfg.Consumer.FromBeginning = true
	cfg.Consumer.AutoCommit = false
	cfg.Consumer.SessionTimeout = 45 * time.Second
	cfg.Consumer.MaxBytesPerPartition = 2 << 20

	saramaCfg, err := buildSaramaConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, saramaCfg.Consumer.Offsets.Initial)
	assert.False(t, saramaCfg.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, 45*time.Second, saramaCfg.Consumer.Group.Session.Timeout)
	assert.Equal(t, int32(2<<20), saramaCfg.Consumer.Fetch.Default)

	cfg.Consumer.FromBeginning = false
	saramaCfg, err = buildSaramaConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetNewest, saramaCfg.Consumer.Offsets.Initial)
}

func TestClassifyProduceError(t *testing.T) {
	err := classifyProduceError(sarama.ErrMessageSizeTooLarge)
	assert.True(t, errors.IsType(err, errors.ErrorTypePayload))

	err = classifyProduceError(sarama.ErrSASLAuthenticationFailed)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))

	err = classifyProduceError(sarama.ErrOutOfBrokers)
	assert.True(t, errors.IsTransient(err))
}

func TestEventFromMessage(t *testing.T) {
	now := time.Now()
	msg := &sarama.ConsumerMessage{
		Topic:     "orders",
		Partition: 3,
		Offset:    1042,
		Key:       []byte("order-9"),
		Value:     []byte(`{"total": 12.5}`),
		Timestamp: now,
		Headers: []*sarama.RecordHeader{
			{Key: []byte("trace"), Value: []byte("abc")},
		},
	}

	event := eventFromMessage(msg)
	assert.Equal(t, "order-9", event.Key)
	assert.Equal(t, "3", event.Partition)
	assert.Equal(t, "1042", event.Offset)
	assert.Equal(t, now, event.Timestamp)
	assert.Equal(t, "abc", event.Headers["trace"])
	assert.Equal(t, "orders", event.Metadata["topic"])

	m, ok := event.Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 12.5, m["total"])
}
