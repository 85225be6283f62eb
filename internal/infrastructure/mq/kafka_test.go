package mq

import (
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "ledger_events" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "TRF1" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewPublisher(producer)
	if err := p.Publish("ledger_events", "TRF1", `{"a":1}`); err != nil {
		t.Fatalf("first publish err=%v", err)
	}
	if err := p.Publish("ledger_events", "TRF2", `{}`); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("want ErrOutOfBrokers, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}
