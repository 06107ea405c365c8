package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/metrics"
	"ms-fulfillment/internal/models"
)

// Publisher is satisfied by *Producer.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// EventPublisher emits lifecycle events. Publishing is best effort: failures
// are logged and never fail the caller. A nil Producer disables publishing;
// Metrics still counts every event.
type EventPublisher struct {
	Producer Publisher
	Topics   config.TopicConfig
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
	now      func() time.Time
}

func NewEventPublisher(p Publisher, topics config.TopicConfig, log *logger.Logger) *EventPublisher {
	return &EventPublisher{Producer: p, Topics: topics, Logger: log, now: time.Now}
}

// NopEventPublisher is used when Kafka is disabled.
func NopEventPublisher(log *logger.Logger) *EventPublisher {
	return &EventPublisher{Topics: config.TopicConfig{}, Logger: log, now: time.Now}
}

func (e *EventPublisher) PurchaseEvent(ctx context.Context, eventType string, p *models.Purchase) {
	if e == nil {
		return
	}
	e.emit(ctx, e.Topics.PurchaseEvents, p.ID, eventType, p)
}

func (e *EventPublisher) PaymentStatusChanged(ctx context.Context, change models.PaymentStatusChanged) {
	if e == nil {
		return
	}
	e.emit(ctx, e.Topics.PaymentEvents, change.PurchaseID, models.EventPaymentStatusChanged, change)
}

func (e *EventPublisher) OversellAlert(ctx context.Context, alert models.OversellAlert) {
	if e == nil {
		return
	}
	e.emit(ctx, e.Topics.Alerts, alert.PurchaseID, models.EventInventoryOversold, alert)
}

func (e *EventPublisher) DuplicatePaymentAlert(ctx context.Context, alert models.DuplicatePaymentAlert) {
	if e == nil {
		return
	}
	e.emit(ctx, e.Topics.Alerts, alert.PurchaseID, models.EventPaymentDuplicate, alert)
}

func (e *EventPublisher) emit(ctx context.Context, topic, key, eventType string, data any) {
	e.Metrics.IncEvent(eventType)
	if e.Producer == nil || topic == "" {
		return
	}
	body, err := json.Marshal(models.LifecycleEvent{
		Type:       eventType,
		OccurredAt: e.now().UTC(),
		Data:       data,
	})
	if err != nil {
		e.Logger.Error("KAFKA", fmt.Sprintf("Failed to encode %s event for %s: %v", eventType, key, err))
		return
	}
	if err := e.Producer.Publish(ctx, topic, key, body); err != nil {
		e.Logger.Warn("KAFKA", fmt.Sprintf("Dropped %s event for %s: %v", eventType, key, err))
	}
}
