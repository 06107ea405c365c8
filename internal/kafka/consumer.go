package kafka

import (
	"context"
	"errors"
	"fmt"

	"ms-fulfillment/internal/logger"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	Reader MessageReader
	Logger *logger.Logger
}

func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{Reader: reader, Logger: log}
}

// Run hands each message to handle and commits it afterwards, whether or not
// the handler succeeded; a failing message is logged and skipped. Run returns
// when ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, kafka.Message) error) error {
	c.Logger.Info("KAFKA", "Consumer started")
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			c.Logger.Error("KAFKA", fmt.Sprintf("Error reading message: %v", err))
			continue
		}

		if err := handle(ctx, msg); err != nil {
			c.Logger.Warn("KAFKA", fmt.Sprintf("Handler failed for %s offset %d: %v", msg.Topic, msg.Offset, err))
		}
		if err := c.Reader.CommitMessages(ctx, msg); err != nil {
			c.Logger.Error("KAFKA", fmt.Sprintf("Failed to commit offset %d on %s: %v", msg.Offset, msg.Topic, err))
		}
	}
}

func (c *Consumer) Close() error {
	return c.Reader.Close()
}
