// Package reconcile folds asynchronous gateway notifications into payment
// state.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/gateway"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/payment/storage"
)

type PaymentLookup interface {
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetByGatewayID(ctx context.Context, gatewayID string) (*models.Payment, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.Payment, error)
}

type StateApplier interface {
	ApplyGatewayState(ctx context.Context, payment *models.Payment, charge *gateway.Charge) (bool, error)
}

// Outcome says what a delivery did. It is informational; the HTTP answer is
// the same for every authenticated delivery.
type Outcome struct {
	EventID   string
	Type      string
	PaymentID string
	Status    models.PaymentStatus
	Changed   bool
	Ignored   bool
	Reason    string
}

type Listener struct {
	Gateway  gateway.Gateway
	Payments PaymentLookup
	Applier  StateApplier
	Logger   *logger.Logger
}

func NewListener(gw gateway.Gateway, payments PaymentLookup, applier StateApplier, log *logger.Logger) *Listener {
	return &Listener{Gateway: gw, Payments: payments, Applier: applier, Logger: log}
}

// HandleGatewayNotification only fails when the delivery cannot be
// authenticated. The notification body is used to find the payment, never
// as its state: the canonical payment is fetched from the gateway.
func (l *Listener) HandleGatewayNotification(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	n, err := l.Gateway.ParseNotification(payload, signature)
	if errors.Is(err, gateway.ErrInvalidSignature) {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "invalid webhook signature")
	}
	if err != nil {
		l.Logger.Error("WEBHOOK", fmt.Sprintf("Undecodable notification acknowledged: %v", err))
		return &Outcome{Ignored: true, Reason: "undecodable"}, nil
	}

	out := &Outcome{EventID: n.EventID, Type: n.Type}
	if !n.Relevant {
		l.Logger.Info("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", n.Type))
		out.Ignored, out.Reason = true, "event type not handled"
		return out, nil
	}

	charge, err := l.Gateway.GetPayment(ctx, n.Ref())
	if err != nil {
		l.Logger.Error("WEBHOOK", fmt.Sprintf("Could not fetch canonical payment for %s (%s): %v", n.EventID, n.Type, err))
		out.Ignored, out.Reason = true, "canonical payment unavailable"
		return out, nil
	}

	payment, err := l.findPayment(ctx, n, charge)
	if err != nil {
		l.Logger.Warn("WEBHOOK", fmt.Sprintf("Notification %s for unknown payment (gateway %s, session %s) acknowledged", n.EventID, charge.GatewayID, charge.SessionID))
		out.Ignored, out.Reason = true, "unknown payment"
		return out, nil
	}
	out.PaymentID = payment.ID
	out.Status = charge.Status

	changed, err := l.Applier.ApplyGatewayState(ctx, payment, charge)
	if err != nil {
		l.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to apply %s to payment %s: %v", charge.Status, payment.ID, err))
		out.Reason = "apply failed"
		return out, nil
	}
	out.Changed = changed
	l.Logger.LogPayment("WEBHOOK", payment.ID, fmt.Sprintf("%s -> %s (changed=%t)", n.Type, charge.Status, changed))
	return out, nil
}

func (l *Listener) findPayment(ctx context.Context, n *gateway.Notification, charge *gateway.Charge) (*models.Payment, error) {
	lookups := []struct {
		key  string
		find func(context.Context, string) (*models.Payment, error)
	}{
		{charge.GatewayID, l.Payments.GetByGatewayID},
		{n.GatewayID, l.Payments.GetByGatewayID},
		{charge.SessionID, l.Payments.GetBySessionID},
		{n.SessionID, l.Payments.GetBySessionID},
		{charge.PaymentID, l.Payments.GetPayment},
		{n.PaymentID, l.Payments.GetPayment},
	}
	for _, lk := range lookups {
		if lk.key == "" {
			continue
		}
		p, err := lk.find(ctx, lk.key)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, storage.ErrPaymentNotFound) {
			return nil, err
		}
	}
	return nil, storage.ErrPaymentNotFound
}
