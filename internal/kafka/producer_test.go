package kafka

import (
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaramaProducerPublish(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	mock := mocks.NewSyncProducer(t, cfg)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"kind":"assignment.accepted"}` {
			return fmt.Errorf("unexpected payload %s", val)
		}
		return nil
	})
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewSaramaProducerFrom(mock)
	require.NoError(t, p.Publish("assignment-events", []byte(`{"kind":"assignment.accepted"}`)))

	err := p.Publish("assignment-events", []byte(`{}`))
	assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers))

	require.NoError(t, p.Close())
}
