// Package gateway talks to the external payment provider. The rest of the
// service only sees the Gateway interface and domain payment statuses.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"ms-fulfillment/internal/models"
)

var ErrInvalidSignature = errors.New("notification signature is invalid")

type ChargeRequest struct {
	PaymentID      string
	PurchaseID     string
	IdempotencyKey string
	Amount         int64
	Currency       string
	Description    string
	BuyerName      string
	BuyerEmail     string
	Method         models.PaymentMethod
}

// Charge is the gateway's view of one payment, already mapped to our statuses.
type Charge struct {
	GatewayID    string
	SessionID    string
	PaymentID    string
	PurchaseID   string
	Status       models.PaymentStatus
	StatusDetail string
	RedirectURL  string
	Raw          string
}

// PaymentRef identifies a payment on the gateway side. Hosted checkouts may
// only have a session until the buyer pays.
type PaymentRef struct {
	GatewayID string
	SessionID string
}

// Notification is an authenticated webhook delivery reduced to the ids needed
// to fetch the canonical payment. Its body is never used for state.
type Notification struct {
	EventID   string
	Type      string
	Relevant  bool
	GatewayID string
	SessionID string
	PaymentID string
}

func (n *Notification) Ref() PaymentRef {
	return PaymentRef{GatewayID: n.GatewayID, SessionID: n.SessionID}
}

type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req ChargeRequest) (*Charge, error)
	ChargeDirect(ctx context.Context, req ChargeRequest) (*Charge, error)
	GetPayment(ctx context.Context, ref PaymentRef) (*Charge, error)
	ParseNotification(payload []byte, signature string) (*Notification, error)
}

// DeclinedError means the gateway answered and refused the charge. Unlike
// other gateway errors the outcome is known.
type DeclinedError struct {
	Charge *Charge
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}
