package models

import "time"

// Event types published on the lifecycle topics.
const (
	EventPurchaseCreated      = "purchase.created"
	EventPurchaseCompleted    = "purchase.completed"
	EventPurchaseFailed       = "purchase.failed"
	EventPurchaseCancelled    = "purchase.cancelled"
	EventPaymentStatusChanged = "payment.status_changed"
	EventInventoryOversold    = "inventory.oversold"
	EventPaymentDuplicate     = "payment.duplicate"
	EventTicketBundle         = "ticket.bundle"
)

type LifecycleEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type PaymentStatusChanged struct {
	PaymentID  string        `json:"payment_id"`
	PurchaseID string        `json:"purchase_id"`
	GatewayID  string        `json:"gateway_id,omitempty"`
	Status     PaymentStatus `json:"status"`
	Detail     string        `json:"detail,omitempty"`
}

// OversellAlert is raised when a paid purchase line could not fit in its tier.
type OversellAlert struct {
	PurchaseID    string `json:"purchase_id"`
	TenantID      string `json:"tenant_id"`
	EventID       string `json:"event_id"`
	TierID        string `json:"tier_id"`
	Quantity      int    `json:"quantity"`
	Policy        string `json:"policy"`
	RefundFlagged bool   `json:"refund_flagged"`
}

// DuplicatePaymentAlert is raised when a purchase ends up with more than one
// approved payment. The extra charges have to be refunded by an operator.
type DuplicatePaymentAlert struct {
	PurchaseID     string   `json:"purchase_id"`
	PaymentID      string   `json:"payment_id"`
	GatewayID      string   `json:"gateway_id,omitempty"`
	Amount         int64    `json:"amount"`
	Currency       string   `json:"currency"`
	ApprovedBefore []string `json:"approved_before"`
}
