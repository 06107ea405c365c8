// Command alerts follows the alert topic and writes every oversell and
// duplicate payment to the alert log, for operators without a Kafka UI at
// hand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"
)

type alertEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func describe(evt alertEvent) (string, string, error) {
	switch evt.Type {
	case models.EventPaymentDuplicate:
		var a models.DuplicatePaymentAlert
		if err := json.Unmarshal(evt.Data, &a); err != nil {
			return "", "", err
		}
		return "DUPLICATE_PAYMENT", fmt.Sprintf("purchase %s: payment %s (%s) for %d %s approved after %v",
			a.PurchaseID, a.PaymentID, a.GatewayID, a.Amount, a.Currency, a.ApprovedBefore), nil
	default:
		var a models.OversellAlert
		if err := json.Unmarshal(evt.Data, &a); err != nil {
			return "", "", err
		}
		return "OVERSELL", fmt.Sprintf("purchase %s (tenant %s, event %s): %d over capacity on tier %s, policy %s, refund flagged %t",
			a.PurchaseID, a.TenantID, a.EventID, a.Quantity, a.TierID, a.Policy, a.RefundFlagged), nil
	}
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.Alerts, cfg.Kafka.GroupID, log)
	defer consumer.Close()

	log.Info("APP", fmt.Sprintf("Following %s on %v", cfg.Kafka.Topics.Alerts, cfg.Kafka.Brokers))
	if err := consumer.Run(ctx, func(_ context.Context, msg kafkago.Message) error {
		var evt alertEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("decode alert at offset %d: %w", msg.Offset, err)
		}
		kind, message, err := describe(evt)
		if err != nil {
			return fmt.Errorf("decode %s alert at offset %d: %w", evt.Type, msg.Offset, err)
		}
		log.LogAlert(kind, message)
		return nil
	}); err != nil {
		log.Error("KAFKA", err.Error())
	}
	log.Info("APP", "Alert follower stopped")
}
