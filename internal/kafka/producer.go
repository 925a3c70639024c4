package kafka

import (
	"time"

	"github.com/IBM/sarama"
	"github.com/google/logger"
)

// SaramaProducer is the Kafka notify.Publisher.
type SaramaProducer struct {
	producer sarama.SyncProducer
}

func NewSaramaProducer(brokers []string) (*SaramaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Timeout = 5 * time.Second
	prod, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewSaramaProducerFrom(prod), nil
}

// NewSaramaProducerFrom wraps an existing producer, e.g. a sarama mock.
func NewSaramaProducerFrom(prod sarama.SyncProducer) *SaramaProducer {
	return &SaramaProducer{producer: prod}
}

func (p *SaramaProducer) Publish(topic string, message []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(message),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Errorf("failed to send message to topic %s: %v", topic, err)
		return err
	}
	logger.Infof("message stored in topic(%s)/partition(%d)/offset(%d)", topic, partition, offset)
	return nil
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}
