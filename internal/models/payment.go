package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentInProcess PaymentStatus = "in_process"
	PaymentApproved  PaymentStatus = "approved"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentCancelled PaymentStatus = "cancelled"
)

var paymentRank = map[PaymentStatus]int{
	PaymentPending:   0,
	PaymentInProcess: 1,
	PaymentApproved:  2,
	PaymentRejected:  2,
	PaymentCancelled: 2,
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentRank[s]
	return ok
}

func (s PaymentStatus) IsTerminal() bool {
	return paymentRank[s] == 2
}

// CanTransitionTo implements the monotonic rule: a status only moves to a
// strictly higher rank, so terminal statuses never change again.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return paymentRank[next] > paymentRank[s]
}

// Predecessors lists the statuses that may move to s.
func (s PaymentStatus) Predecessors() []PaymentStatus {
	var out []PaymentStatus
	for _, from := range []PaymentStatus{PaymentPending, PaymentInProcess, PaymentApproved, PaymentRejected, PaymentCancelled} {
		if from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

type Payment struct {
	bun.BaseModel `bun:"table:payments,alias:pay"`

	ID             string            `bun:"id,pk" json:"id"`
	PurchaseID     string            `bun:"purchase_id,notnull,unique:payments_purchase_attempt" json:"purchase_id"`
	AttemptKey     string            `bun:"attempt_key,notnull,unique:payments_purchase_attempt" json:"attempt_key"`
	IdempotencyKey string            `bun:"idempotency_key,notnull,unique" json:"-"`
	GatewayID      string            `bun:"gateway_id,nullzero,unique" json:"gateway_id,omitempty"`
	SessionID      string            `bun:"session_id,nullzero,unique" json:"session_id,omitempty"`
	Amount         int64             `bun:"amount,notnull" json:"amount"`
	Currency       string            `bun:"currency,notnull" json:"currency"`
	Method         PaymentMethodKind `bun:"method,notnull" json:"method"`
	Status         PaymentStatus     `bun:"status,notnull" json:"status"`
	StatusDetail   string            `bun:"status_detail,nullzero" json:"status_detail,omitempty"`
	RedirectURL    string            `bun:"redirect_url,nullzero" json:"redirect_url,omitempty"`
	// Last canonical gateway resource, kept for audits.
	RawGatewayPayload string    `bun:"raw_gateway_payload,type:text,nullzero" json:"-"`
	CreatedAt         time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time `bun:"updated_at,notnull" json:"updated_at"`
}
