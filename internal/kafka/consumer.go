package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"github.com/google/logger"

	"github.com/foodshare/fulfillment/internal/notify"
)

// EventHandler receives decoded notification events.
type EventHandler func(ev notify.Event)

// ConsumerGroupHandler decodes notification events and hands them to Handle.
// Undecodable messages are logged and marked so they are not redelivered.
type ConsumerGroupHandler struct {
	Handle EventHandler
}

func (ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handleMessage(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h ConsumerGroupHandler) handleMessage(msg *sarama.ConsumerMessage) {
	var ev notify.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		logger.Warningf("skip message topic=%s partition=%d offset=%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return
	}
	if h.Handle != nil {
		h.Handle(ev)
	}
}

func StartSaramaConsumer(ctx context.Context, brokers []string, groupID string, topics []string, handle EventHandler) error {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := consumerGroup.Close(); err != nil {
			logger.Errorf("error closing consumer group: %v", err)
		}
	}()

	handler := ConsumerGroupHandler{Handle: handle}

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Errorf("error from consumer: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
