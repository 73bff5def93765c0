package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronedispatch/internal/events"
)

func TestPublishKeysByAggregate(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "drone:d-1" {
			return errors.New("unexpected key " + string(key))
		}
		if msg.Topic != DefaultTopic {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})

	p := NewWithProducer(producer, "")
	ev := events.NewEvent(events.EventDroneGrounded, events.AggregateDrone, "d-1", map[string]any{"reason": "stalled"}, time.Now())
	require.NoError(t, p.Publish(context.Background(), ev))
	require.NoError(t, p.Close())
}

func TestPublishSurfacesBrokerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := NewWithProducer(producer, "deliveries")
	err := p.Publish(context.Background(), events.Event{ID: "e1", Type: events.EventDeliveryCompleted})
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, p.Close())
}
