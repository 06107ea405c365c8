package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/google/uuid"
)

// Bundle is everything the mailer needs to deliver a buyer's tickets.
type Bundle struct {
	DeliveryID string                   `json:"delivery_id"`
	PurchaseID string                   `json:"purchase_id"`
	TenantID   string                   `json:"tenant_id"`
	EventID    string                   `json:"event_id"`
	Buyer      models.Buyer             `json:"buyer"`
	Total      int64                    `json:"total"`
	Currency   string                   `json:"currency"`
	Tickets    []models.TicketArtifacts `json:"tickets"`
	CreatedAt  time.Time                `json:"created_at"`
}

// Dispatcher hands a ticket bundle to the delivery channel and returns its
// delivery id.
type Dispatcher interface {
	SendTicketBundle(ctx context.Context, bundle Bundle) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// KafkaDispatcher queues bundles on the notifications topic for the mailer.
type KafkaDispatcher struct {
	Producer Publisher
	Topic    string
	Logger   *logger.Logger
}

func NewKafkaDispatcher(p Publisher, topic string, log *logger.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{Producer: p, Topic: topic, Logger: log}
}

func (d *KafkaDispatcher) SendTicketBundle(ctx context.Context, bundle Bundle) (string, error) {
	if len(bundle.Tickets) == 0 {
		return "", errors.New("ticket bundle is empty")
	}
	if bundle.Buyer.Email == "" {
		return "", errors.New("ticket bundle has no recipient")
	}
	if bundle.DeliveryID == "" {
		bundle.DeliveryID = uuid.NewString()
	}
	if bundle.CreatedAt.IsZero() {
		bundle.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(models.LifecycleEvent{
		Type:       models.EventTicketBundle,
		OccurredAt: bundle.CreatedAt,
		Data:       bundle,
	})
	if err != nil {
		return "", fmt.Errorf("encode ticket bundle: %w", err)
	}
	if err := d.Producer.Publish(ctx, d.Topic, bundle.PurchaseID, body); err != nil {
		return "", err
	}

	d.Logger.LogPurchase("NOTIFY", bundle.PurchaseID,
		fmt.Sprintf("Queued %d tickets for %s (delivery %s)", len(bundle.Tickets), bundle.Buyer.Email, bundle.DeliveryID))
	return bundle.DeliveryID, nil
}

// LogDispatcher only records the delivery. It is used when Kafka is disabled.
type LogDispatcher struct {
	Logger *logger.Logger
}

func (d *LogDispatcher) SendTicketBundle(_ context.Context, bundle Bundle) (string, error) {
	id := bundle.DeliveryID
	if id == "" {
		id = uuid.NewString()
	}
	d.Logger.LogPurchase("NOTIFY", bundle.PurchaseID,
		fmt.Sprintf("Delivery %s for %s not sent, no dispatcher configured", id, bundle.Buyer.Email))
	return id, nil
}
