package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ReservationOutcome string

const (
	ReservationReserved ReservationOutcome = "reserved"
	ReservationOversold ReservationOutcome = "oversold"
)

// InventoryReservation records that one purchase line has been counted
// against its tier. The unique slot is what makes the decrement happen once.
type InventoryReservation struct {
	bun.BaseModel `bun:"table:inventory_reservations,alias:ir"`

	ID         string             `bun:"id,pk" json:"id"`
	PurchaseID string             `bun:"purchase_id,notnull,unique:reservations_purchase_line" json:"purchase_id"`
	LineIndex  int                `bun:"line_index,notnull,unique:reservations_purchase_line" json:"line_index"`
	TierID     string             `bun:"tier_id,notnull" json:"tier_id"`
	Quantity   int                `bun:"quantity,notnull" json:"quantity"`
	Outcome    ReservationOutcome `bun:"outcome,notnull" json:"outcome"`
	CreatedAt  time.Time          `bun:"created_at,notnull" json:"created_at"`
}

type Availability struct {
	TierID    string `json:"tier_id"`
	Capacity  int    `json:"capacity"`
	Sold      int    `json:"sold"`
	Available int    `json:"available"`
	Oversold  int    `json:"oversold"`
}
