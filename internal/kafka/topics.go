package kafka

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"ms-fulfillment/internal/logger"

	"github.com/segmentio/kafka-go"
)

// EnsureTopicsExist creates missing topics through the cluster controller.
// Existing topics are left alone.
func EnsureTopicsExist(brokers []string, topics []string, log *logger.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	var failed []string
	for _, topic := range topics {
		err := controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		})
		switch {
		case err == nil:
			log.Info("KAFKA", fmt.Sprintf("Created topic: %s", topic))
		case errors.Is(err, kafka.TopicAlreadyExists):
			log.Debug("KAFKA", fmt.Sprintf("Topic %s already exists", topic))
		default:
			log.Error("KAFKA", fmt.Sprintf("Error creating topic %s: %v", topic, err))
			failed = append(failed, topic)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("could not create topics %v", failed)
	}
	return nil
}
