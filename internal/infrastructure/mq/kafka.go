package mq

import (
	"fmt"

	"finledger/internal/config"

	"github.com/IBM/sarama"
)

// Publisher Kafka 同步生产者
type Publisher struct {
	producer sarama.SyncProducer
}

// NewKafkaPublisher 连接 Kafka 并创建生产者
func NewKafkaPublisher(cfg *config.KafkaConfig) (*Publisher, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return NewPublisher(producer), nil
}

// NewPublisher 包装已有的生产者，测试里传 mocks.SyncProducer
func NewPublisher(producer sarama.SyncProducer) *Publisher {
	return &Publisher{producer: producer}
}

// Publish 发送消息，key 相同的消息落在同一分区，保证同一账户的事件有序
func (p *Publisher) Publish(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Publisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
