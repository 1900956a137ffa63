package kafka

import (
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfig(t *testing.T) {
	t.Run("Should carry brokers and extra keys", func(t *testing.T) {
		cm, err := clientConfig(&config.KafkaConfig{Brokers: "kafka:9092"}, kafka.ConfigMap{"group.id": "core"})
		require.NoError(t, err)

		v, err := cm.Get("bootstrap.servers", nil)
		require.NoError(t, err)
		assert.Equal(t, "kafka:9092", v)

		v, err = cm.Get("group.id", nil)
		require.NoError(t, err)
		assert.Equal(t, "core", v)

		v, err = cm.Get("security.protocol", nil)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("Should add SASL settings when enabled", func(t *testing.T) {
		cm, err := clientConfig(&config.KafkaConfig{
			Brokers:        "kafka:9092",
			SecurityEnable: true,
			SecurityUser:   "svc",
			SecurityPass:   "pw",
		}, nil)
		require.NoError(t, err)

		v, err := cm.Get("security.protocol", nil)
		require.NoError(t, err)
		assert.Equal(t, "SASL_SSL", v)

		v, err = cm.Get("sasl.username", nil)
		require.NoError(t, err)
		assert.Equal(t, "svc", v)
	})
}

func TestBuildMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	msg, err := buildMessage("alarm-events", &Message{
		Key:       "device-7",
		Value:     map[string]interface{}{"type": "triggered"},
		Timestamp: ts,
		Headers:   map[string]string{"event_type": "triggered"},
	})
	require.NoError(t, err)

	assert.Equal(t, "alarm-events", *msg.TopicPartition.Topic)
	assert.Equal(t, kafka.PartitionAny, msg.TopicPartition.Partition)
	assert.Equal(t, []byte("device-7"), msg.Key)
	assert.JSONEq(t, `{"type":"triggered"}`, string(msg.Value))
	assert.Equal(t, ts, msg.Timestamp)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
}

func TestRawMessageKeepsBytes(t *testing.T) {
	payload := []byte(`{"device_id":1,"values":{"t":1}}`)
	msg := rawMessage(DeadLetterTopic(TopicTelemetryIngest), nil, payload, time.Now(), map[string]string{"error": "boom"})

	assert.Equal(t, "telemetry-ingest.dlq", *msg.TopicPartition.Topic)
	assert.Equal(t, payload, msg.Value)
	assert.Nil(t, msg.Key)
}
