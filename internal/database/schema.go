package database

import (
	"context"
	"fmt"

	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

// Models lists every table owned or read by the fulfillment service.
func Models() []interface{} {
	return []interface{}{
		(*models.Tenant)(nil),
		(*models.Event)(nil),
		(*models.Tier)(nil),
		(*models.Discount)(nil),
		(*models.Purchase)(nil),
		(*models.Payment)(nil),
		(*models.InventoryReservation)(nil),
		(*models.Ticket)(nil),
	}
}

// CreateSchema builds the tables straight from the bun models. Production
// databases are managed by the SQL migrations; this is for tests and local
// bootstrapping.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, m := range Models() {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}

	indexes := []struct {
		model   interface{}
		name    string
		columns []string
	}{
		{(*models.Purchase)(nil), "purchases_status_created_idx", []string{"status", "created_at"}},
		{(*models.Ticket)(nil), "tickets_purchase_idx", []string{"purchase_id"}},
		{(*models.Tier)(nil), "tiers_event_idx", []string{"event_id"}},
	}
	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.columns...).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}
