package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TicketStatus string

const (
	TicketConfirmed TicketStatus = "confirmed"
	TicketCheckedIn TicketStatus = "checked_in"
	TicketCancelled TicketStatus = "cancelled"
)

type Ticket struct {
	bun.BaseModel `bun:"table:tickets,alias:tk"`

	ID         string `bun:"id,pk" json:"id"`
	PurchaseID string `bun:"purchase_id,notnull,unique:tickets_purchase_slot" json:"purchase_id"`
	LineIndex  int    `bun:"line_index,notnull,unique:tickets_purchase_slot" json:"line_index"`
	Seq        int    `bun:"seq,notnull,unique:tickets_purchase_slot" json:"seq"`
	TenantID   string `bun:"tenant_id,notnull" json:"tenant_id"`
	EventID    string `bun:"event_id,notnull" json:"event_id"`
	TierID     string `bun:"tier_id,notnull" json:"tier_id"`
	TierName   string `bun:"tier_name" json:"tier_name,omitempty"`

	TicketNumber    string       `bun:"ticket_number,notnull,unique" json:"ticket_number"`
	SecurityHash    string       `bun:"security_hash,notnull" json:"security_hash"`
	Status          TicketStatus `bun:"status,notnull" json:"status"`
	HolderName      string       `bun:"holder_name" json:"holder_name"`
	HolderEmail     string       `bun:"holder_email" json:"holder_email"`
	PriceAtPurchase int64        `bun:"price_at_purchase,notnull" json:"price_at_purchase"`

	IssuedAt    time.Time `bun:"issued_at,notnull" json:"issued_at"`
	CheckedInAt time.Time `bun:"checked_in_at,nullzero" json:"checked_in_at,omitempty"`
	CheckedInBy string    `bun:"checked_in_by,nullzero" json:"checked_in_by,omitempty"`
	CancelledAt time.Time `bun:"cancelled_at,nullzero" json:"cancelled_at,omitempty"`
}

// TicketCode is what a scanner reads off the QR: the number plus its signature.
type TicketCode struct {
	TicketNumber string `json:"ticket_number"`
	SecurityHash string `json:"security_hash"`
}

type CheckInRequest struct {
	OperatorID string `json:"operator_id"`
	TicketCode
}

// TicketArtifacts pairs a ticket with its rendered QR image.
type TicketArtifacts struct {
	Ticket Ticket `json:"ticket"`
	QRCode []byte `json:"qr_code"`
}
