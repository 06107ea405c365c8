package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Catalog rows are owned by the admin service; this service only reads them,
// except for the tier counters.

type Tenant struct {
	bun.BaseModel `bun:"table:tenants,alias:tn"`

	ID        string    `bun:"id,pk" json:"id"`
	Name      string    `bun:"name,notnull" json:"name"`
	Active    bool      `bun:"active,notnull" json:"active"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventPublished EventStatus = "published"
	EventClosed    EventStatus = "closed"
)

type Event struct {
	bun.BaseModel `bun:"table:events,alias:ev"`

	ID        string      `bun:"id,pk" json:"id"`
	TenantID  string      `bun:"tenant_id,notnull" json:"tenant_id"`
	Name      string      `bun:"name,notnull" json:"name"`
	Status    EventStatus `bun:"status,notnull" json:"status"`
	StartsAt  time.Time   `bun:"starts_at,notnull" json:"starts_at"`
	CreatedAt time.Time   `bun:"created_at,notnull" json:"created_at"`
}

type Tier struct {
	bun.BaseModel `bun:"table:tiers,alias:t"`

	ID       string `bun:"id,pk" json:"id"`
	EventID  string `bun:"event_id,notnull" json:"event_id"`
	Name     string `bun:"name,notnull" json:"name"`
	Capacity int    `bun:"capacity,notnull" json:"capacity"`
	// Sold only grows and never passes Capacity.
	Sold int `bun:"sold,notnull" json:"sold"`
	// Oversold counts units issued past capacity.
	Oversold  int       `bun:"oversold,notnull" json:"oversold"`
	Price     int64     `bun:"price,notnull" json:"price"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFlatOff    DiscountType = "FLAT_OFF"
)

type Discount struct {
	bun.BaseModel `bun:"table:discounts,alias:d"`

	ID      string       `bun:"id,pk" json:"id"`
	EventID string       `bun:"event_id,notnull,unique:discounts_event_code" json:"event_id"`
	Code    string       `bun:"code,notnull,unique:discounts_event_code" json:"code"`
	Type    DiscountType `bun:"type,notnull" json:"type"`
	// Percent applies to PERCENTAGE and may be fractional. Amount is in minor
	// units for FLAT_OFF.
	Percent  decimal.Decimal `bun:"percent,type:numeric(5,2),notnull" json:"percent"`
	Amount   int64           `bun:"amount,notnull" json:"amount"`
	MinSpend int64           `bun:"min_spend,notnull" json:"min_spend"`
	// MaxDiscount caps a percentage discount; zero means no cap.
	MaxDiscount     int64     `bun:"max_discount,notnull" json:"max_discount"`
	ApplicableTiers []string  `bun:"applicable_tiers,type:jsonb" json:"applicable_tiers"`
	MaxUsage        int       `bun:"max_usage,notnull" json:"max_usage"`
	CurrentUsage    int       `bun:"current_usage,notnull" json:"current_usage"`
	Active          bool      `bun:"active,notnull" json:"active"`
	ActiveFrom      time.Time `bun:"active_from,notnull" json:"active_from"`
	ExpiresAt       time.Time `bun:"expires_at,notnull" json:"expires_at"`
}
