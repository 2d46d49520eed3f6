package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaRecorder publishes events through an async producer. Record never
// blocks: when the producer input is full the event is dropped and logged.
type KafkaRecorder struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewKafkaRecorder starts draining producer errors into the logger.
func NewKafkaRecorder(producer sarama.AsyncProducer, topic string, logger *slog.Logger) *KafkaRecorder {
	r := &KafkaRecorder{producer: producer, topic: topic, logger: logger, done: make(chan struct{})}
	go r.drainErrors()
	return r
}

func (r *KafkaRecorder) Record(_ context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("encode audit event", "type", event.Type, "error", err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(event.AccountID),
		Value: sarama.ByteEncoder(payload),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.producer.Input() <- msg:
	default:
		r.logger.Warn("audit producer saturated, event dropped", "type", event.Type, "account_id", event.AccountID)
	}
}

// Close flushes buffered events and stops the error drain.
func (r *KafkaRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.producer.Close()
	<-r.done
	return err
}

func (r *KafkaRecorder) drainErrors() {
	defer close(r.done)
	for perr := range r.producer.Errors() {
		r.logger.Error("publish audit event", "topic", r.topic, "error", perr.Err)
	}
}
