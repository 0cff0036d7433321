package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSubscriber() *subscriber {
	return &subscriber{
		log: zap.NewNop(),
		backoff: func() retry.Backoff {
			return retry.NewConstant(time.Millisecond)
		},
	}
}

func TestDeliverRetriesUntilHandlerSucceeds(t *testing.T) {
	s := newTestSubscriber()

	calls := 0
	err := s.deliver(context.Background(), kafka.Message{Offset: 7}, func(context.Context, kafka.Message) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDeliverSkipsPermanentErrors(t *testing.T) {
	s := newTestSubscriber()

	calls := 0
	err := s.deliver(context.Background(), kafka.Message{}, func(context.Context, kafka.Message) error {
		calls++
		return Permanent(errors.New("bad json"))
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDeliverLeavesMessageUncommittedOnCancel(t *testing.T) {
	s := newTestSubscriber()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := s.deliver(ctx, kafka.Message{}, func(context.Context, kafka.Message) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("store down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
}

func TestTopicConfigsRaiseMessageLimit(t *testing.T) {
	configs := topicConfigs(0, 32<<20, "jobs", "events")
	require.Len(t, configs, 2)
	for i, topic := range []string{"jobs", "events"} {
		assert.Equal(t, topic, configs[i].Topic)
		assert.Equal(t, 1, configs[i].NumPartitions)
		assert.Equal(t, 1, configs[i].ReplicationFactor)
		assert.Equal(t, []kafka.ConfigEntry{{ConfigName: "max.message.bytes", ConfigValue: "33554432"}}, configs[i].ConfigEntries)
	}

	assert.Empty(t, topicConfigs(4, 0, "jobs")[0].ConfigEntries)
	assert.Equal(t, 4, topicConfigs(4, 0, "jobs")[0].NumPartitions)
}
