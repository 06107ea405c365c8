package kafka

import (
	"context"
	"fmt"
	"time"

	"ms-fulfillment/internal/logger"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer MessageWriter
	Logger *logger.Logger
}

// NewProducer writes to any topic; the topic is set per message.
func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}
	return &Producer{Writer: writer, Logger: log}
}

// Publish keys the message so all events of one purchase land on one partition.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		p.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish to %s (key %s): %v", topic, key, err))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.Logger.LogKafka("PUBLISH", topic, key)
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
