package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseCancelled PurchaseStatus = "cancelled"
)

type Buyer struct {
	Name  string `bun:"name" json:"name" validate:"required,max=200"`
	Email string `bun:"email" json:"email" validate:"required,email,max=254"`
	Phone string `bun:"phone" json:"phone,omitempty" validate:"omitempty,phone"`
}

// LineItem is priced from the tier at intake and never changes afterwards.
type LineItem struct {
	TierID    string `json:"tier_id"`
	TierName  string `json:"tier_name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

func (l LineItem) Total() int64 {
	return int64(l.Quantity) * l.UnitPrice
}

type Purchase struct {
	bun.BaseModel `bun:"table:purchases,alias:p"`

	ID         string         `bun:"id,pk" json:"id"`
	TenantID   string         `bun:"tenant_id,notnull" json:"tenant_id"`
	EventID    string         `bun:"event_id,notnull" json:"event_id"`
	Buyer      Buyer          `bun:"embed:buyer_" json:"buyer"`
	LineItems  []LineItem     `bun:"line_items,type:jsonb,notnull" json:"line_items"`
	Subtotal   int64          `bun:"subtotal,notnull" json:"subtotal"`
	Discount   int64          `bun:"discount,notnull" json:"discount"`
	Total      int64          `bun:"total,notnull" json:"total"`
	Currency   string         `bun:"currency,notnull" json:"currency"`
	PromoCode  string         `bun:"promo_code,nullzero" json:"promo_code,omitempty"`
	Status     PurchaseStatus `bun:"status,notnull" json:"status"`
	PaymentRef string         `bun:"payment_ref,nullzero" json:"payment_ref,omitempty"`

	Oversold      bool   `bun:"oversold,notnull" json:"oversold"`
	RefundFlagged bool   `bun:"refund_flagged,notnull" json:"refund_flagged"`
	FailureReason string `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	CancelReason  string `bun:"cancel_reason,nullzero" json:"cancel_reason,omitempty"`

	// Confirmation markers. Each one is set once by a conditional update.
	ConfirmationStartedAt time.Time `bun:"confirmation_started_at,nullzero" json:"confirmation_started_at,omitempty"`
	InventoryAppliedAt    time.Time `bun:"inventory_applied_at,nullzero" json:"inventory_applied_at,omitempty"`
	TicketsIssuedAt       time.Time `bun:"tickets_issued_at,nullzero" json:"tickets_issued_at,omitempty"`
	CompletedAt           time.Time `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
	NotifiedAt            time.Time `bun:"notified_at,nullzero" json:"notified_at,omitempty"`
	CancelledAt           time.Time `bun:"cancelled_at,nullzero" json:"cancelled_at,omitempty"`

	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

func (p *Purchase) TicketCount() int {
	n := 0
	for _, l := range p.LineItems {
		n += l.Quantity
	}
	return n
}

// PurchaseRequest is the buyer's cart as submitted. Client prices are ignored.
type PurchaseRequest struct {
	TenantID  string                `json:"tenant_id"`
	EventID   string                `json:"event_id"`
	Buyer     Buyer                 `json:"buyer"`
	Items     []PurchaseRequestItem `json:"items"`
	PromoCode string                `json:"promo_code,omitempty"`
}

type PurchaseRequestItem struct {
	TierID   string `json:"tier_id"`
	Quantity int    `json:"quantity"`
}

// PurchaseDetails is the read model returned by GET /purchases/{id}.
type PurchaseDetails struct {
	Purchase *Purchase `json:"purchase"`
	Payments []Payment `json:"payments"`
	Tickets  []Ticket  `json:"tickets"`
}

// PurchaseUpdate is streamed to SSE subscribers whenever a purchase changes state.
type PurchaseUpdate struct {
	PurchaseID string         `json:"purchase_id"`
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id"`
	Status     PurchaseStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

func NewPurchaseUpdate(p *Purchase, reason string) PurchaseUpdate {
	return PurchaseUpdate{
		PurchaseID: p.ID,
		EventID:    p.EventID,
		TenantID:   p.TenantID,
		Status:     p.Status,
		Reason:     reason,
		At:         time.Now().UTC(),
	}
}
