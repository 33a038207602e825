package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

// kafkaWriter is the subset of *kafka.Writer the publisher needs.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMiddleOfficeConfig configures the Kafka transport to the middle office.
type KafkaMiddleOfficeConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts bounds writer-level retries; the refund engine adds its own single retry on top.
	MaxAttempts int
}

// KafkaMiddleOfficePublisher publishes approved refunds keyed by refund reference.
type KafkaMiddleOfficePublisher struct {
	writer  kafkaWriter
	topic   string
	marshal func(any) ([]byte, error)
}

var _ services.MiddleOfficePublisher = (*KafkaMiddleOfficePublisher)(nil)

// NewKafkaMiddleOfficePublisher builds a synchronous writer that waits for all in-sync replicas.
func NewKafkaMiddleOfficePublisher(cfg KafkaMiddleOfficeConfig) (*KafkaMiddleOfficePublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka middle office publisher: brokers are required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka middle office publisher: topic is required")
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	writer := &kafka.Writer{
		Addr:            kafka.TCP(brokers...),
		Topic:           topic,
		Balancer:        &kafka.Hash{},
		RequiredAcks:    kafka.RequireAll,
		MaxAttempts:     attempts,
		WriteBackoffMin: 100 * time.Millisecond,
		WriteBackoffMax: time.Second,
	}
	return newKafkaMiddleOfficePublisher(writer, topic), nil
}

func newKafkaMiddleOfficePublisher(writer kafkaWriter, topic string) *KafkaMiddleOfficePublisher {
	return &KafkaMiddleOfficePublisher{writer: writer, topic: topic, marshal: json.Marshal}
}

func (p *KafkaMiddleOfficePublisher) PublishRefund(ctx context.Context, msg services.MiddleOfficeMessage) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka middle office publisher: not initialised")
	}
	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal middle office message: %w", err)
	}
	headers := []kafka.Header{{Key: "serviceType", Value: []byte(msg.ServiceType)}}
	if msg.OriginalReference != "" {
		headers = append(headers, kafka.Header{Key: "originalRefundReference", Value: []byte(msg.OriginalReference)})
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.RefundReference),
		Value:   data,
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("write middle office message to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaMiddleOfficePublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
