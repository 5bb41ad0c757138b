package kafka_test

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/conveyor/pkg/channels/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBrokers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a:9092", "b:9092"}, kafka.ParseBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, kafka.ParseBrokers(""))
}

func TestCreateChannel_NoBrokers(t *testing.T) {
	t.Parallel()

	_, _, err := kafka.CreateChannel(watermill.NopLogger{}, kafka.Config{ServiceName: "conveyor"})
	require.ErrorIs(t, err, kafka.ErrNoBrokers)
}

func TestConfig_ConsumerGroup(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cg-conveyor-dispatcher", kafka.Config{ServiceName: "conveyor-dispatcher"}.ConsumerGroup())
}
