package infra

import (
	"fmt"

	"github.com/IBM/sarama"
)

// NewKafkaProducer builds an async producer for fire-and-forget events. Only
// errors are returned on the producer channel.
func NewKafkaProducer(brokers []string, clientID string) (sarama.AsyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.ChannelBufferSize = 1024

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}
