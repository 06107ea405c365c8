package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var ErrTierNotFound = errors.New("tier not found")

type DB struct {
	Bun *bun.DB
}

func (d *DB) GetTier(ctx context.Context, tierID string) (*models.Tier, error) {
	var tier models.Tier
	err := d.Bun.NewSelect().
		Model(&tier).
		Where("id = ?", tierID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTierNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tier, nil
}

// IncrementSold adds qty to the tier only while it still fits. The check and
// the write are one statement, so concurrent buyers serialize on the row.
func (d *DB) IncrementSold(ctx context.Context, tierID string, qty int) (bool, error) {
	return incrementSold(ctx, d.Bun, tierID, qty)
}

func incrementSold(ctx context.Context, idb bun.IDB, tierID string, qty int) (bool, error) {
	res, err := idb.NewUpdate().
		Model((*models.Tier)(nil)).
		Set("sold = sold + ?", qty).
		Where("id = ?", tierID).
		Where("sold + ? <= capacity", qty).
		Exec(ctx)
	n, err := rowsAffected(res, err)
	return n == 1, err
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ApplyLine counts one purchase line against its tier exactly once. The
// reservation row and the counter change commit together; a replay finds the
// row and returns the outcome recorded the first time.
func (d *DB) ApplyLine(ctx context.Context, purchaseID string, lineIndex int, line models.LineItem) (models.ReservationOutcome, bool, error) {
	var outcome models.ReservationOutcome
	var applied bool

	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		reservation := models.InventoryReservation{
			ID:         uuid.NewString(),
			PurchaseID: purchaseID,
			LineIndex:  lineIndex,
			TierID:     line.TierID,
			Quantity:   line.Quantity,
			Outcome:    models.ReservationReserved,
			CreatedAt:  time.Now().UTC(),
		}

		inserted, err := rowsAffected(tx.NewInsert().Model(&reservation).On("CONFLICT DO NOTHING").Exec(ctx))
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		if inserted == 0 {
			var existing models.InventoryReservation
			if err := tx.NewSelect().
				Model(&existing).
				Where("purchase_id = ?", purchaseID).
				Where("line_index = ?", lineIndex).
				Limit(1).
				Scan(ctx); err != nil {
				return fmt.Errorf("load reservation: %w", err)
			}
			outcome = existing.Outcome
			return nil
		}

		applied = true
		ok, err := incrementSold(ctx, tx, line.TierID, line.Quantity)
		if err != nil {
			return fmt.Errorf("increment sold: %w", err)
		}
		if ok {
			outcome = models.ReservationReserved
			return nil
		}

		// Paid but no room: count it separately so sold never passes capacity.
		updated, err := rowsAffected(tx.NewUpdate().
			Model((*models.Tier)(nil)).
			Set("oversold = oversold + ?", line.Quantity).
			Where("id = ?", line.TierID).
			Exec(ctx))
		if err != nil {
			return fmt.Errorf("increment oversold: %w", err)
		}
		if updated == 0 {
			return ErrTierNotFound
		}

		if _, err := tx.NewUpdate().
			Model((*models.InventoryReservation)(nil)).
			Set("outcome = ?", models.ReservationOversold).
			Where("id = ?", reservation.ID).
			Exec(ctx); err != nil {
			return fmt.Errorf("mark reservation oversold: %w", err)
		}
		outcome = models.ReservationOversold
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return outcome, applied, nil
}

func (d *DB) ListReservations(ctx context.Context, purchaseID string) ([]models.InventoryReservation, error) {
	var out []models.InventoryReservation
	err := d.Bun.NewSelect().
		Model(&out).
		Where("purchase_id = ?", purchaseID).
		Order("line_index ASC").
		Scan(ctx)
	return out, err
}
