package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ms-fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type TierSpec struct {
	Name     string
	Capacity int
	Price    int64
}

type Catalog struct {
	Tenant models.Tenant
	Event  models.Event
	Tiers  []models.Tier
}

// SeedCatalog inserts an active tenant with one published event and the given tiers.
func SeedCatalog(t testing.TB, db *bun.DB, specs ...TierSpec) Catalog {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	cat := Catalog{
		Tenant: models.Tenant{ID: uuid.NewString(), Name: "Acme Live", Active: true, CreatedAt: now},
	}
	cat.Event = models.Event{
		ID:        uuid.NewString(),
		TenantID:  cat.Tenant.ID,
		Name:      "Night Show",
		Status:    models.EventPublished,
		StartsAt:  now.Add(30 * 24 * time.Hour),
		CreatedAt: now,
	}
	for i, s := range specs {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("Tier %d", i+1)
		}
		cat.Tiers = append(cat.Tiers, models.Tier{
			ID:        uuid.NewString(),
			EventID:   cat.Event.ID,
			Name:      name,
			Capacity:  s.Capacity,
			Price:     s.Price,
			CreatedAt: now,
		})
	}

	mustInsert(t, db, ctx, &cat.Tenant)
	mustInsert(t, db, ctx, &cat.Event)
	if len(cat.Tiers) > 0 {
		mustInsert(t, db, ctx, &cat.Tiers)
	}
	return cat
}

// SeedPurchase stores a pending purchase for the catalog's event.
func SeedPurchase(t testing.TB, db *bun.DB, cat Catalog, lines ...models.LineItem) *models.Purchase {
	t.Helper()
	now := time.Now().UTC()

	p := &models.Purchase{
		ID:        uuid.NewString(),
		TenantID:  cat.Tenant.ID,
		EventID:   cat.Event.ID,
		Buyer:     models.Buyer{Name: "Ada Lovelace", Email: "ada@example.com"},
		LineItems: lines,
		Currency:  "usd",
		Status:    models.PurchasePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, l := range lines {
		p.Subtotal += l.Total()
	}
	p.Total = p.Subtotal

	mustInsert(t, db, context.Background(), p)
	return p
}

// Line builds a purchase line priced from the tier.
func Line(tier models.Tier, qty int) models.LineItem {
	return models.LineItem{TierID: tier.ID, TierName: tier.Name, Quantity: qty, UnitPrice: tier.Price}
}

func mustInsert(t testing.TB, db *bun.DB, ctx context.Context, model interface{}) {
	t.Helper()
	if _, err := db.NewInsert().Model(model).Exec(ctx); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
}
