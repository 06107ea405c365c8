package inventory

import (
	"context"
	"errors"
	"fmt"

	"ms-fulfillment/internal/apperrors"
	inventorydb "ms-fulfillment/internal/inventory/db"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
)

var ErrCapacityExceeded = errors.New("tier capacity exceeded")

type Store interface {
	GetTier(ctx context.Context, tierID string) (*models.Tier, error)
	IncrementSold(ctx context.Context, tierID string, qty int) (bool, error)
	ApplyLine(ctx context.Context, purchaseID string, lineIndex int, line models.LineItem) (models.ReservationOutcome, bool, error)
}

// LineResult describes how one purchase line was counted.
type LineResult struct {
	LineIndex int
	TierID    string
	Quantity  int
	Outcome   models.ReservationOutcome
	// Replayed is true when an earlier run had already counted the line.
	Replayed bool
}

func (r LineResult) Oversold() bool {
	return r.Outcome == models.ReservationOversold
}

type Ledger struct {
	DB     Store
	Logger *logger.Logger
}

func NewLedger(db Store, log *logger.Logger) *Ledger {
	return &Ledger{DB: db, Logger: log}
}

// Reserve takes qty units from the tier or fails with ErrCapacityExceeded.
func (l *Ledger) Reserve(ctx context.Context, tierID string, qty int) error {
	if qty <= 0 {
		return apperrors.Validation("quantity", "quantity must be positive")
	}
	ok, err := l.DB.IncrementSold(ctx, tierID, qty)
	if err != nil {
		return fmt.Errorf("reserve %d on tier %s: %w", qty, tierID, err)
	}
	if ok {
		return nil
	}
	if _, err := l.tier(ctx, tierID); err != nil {
		return err
	}
	return ErrCapacityExceeded
}

func (l *Ledger) Availability(ctx context.Context, tierID string) (*models.Availability, error) {
	tier, err := l.tier(ctx, tierID)
	if err != nil {
		return nil, err
	}
	available := tier.Capacity - tier.Sold
	if available < 0 {
		available = 0
	}
	return &models.Availability{
		TierID:    tier.ID,
		Capacity:  tier.Capacity,
		Sold:      tier.Sold,
		Available: available,
		Oversold:  tier.Oversold,
	}, nil
}

// ApplyLine is Reserve made idempotent per (purchase, line). A line that no
// longer fits is still recorded, as oversold, because the buyer has paid.
func (l *Ledger) ApplyLine(ctx context.Context, purchaseID string, lineIndex int, line models.LineItem) (LineResult, error) {
	outcome, applied, err := l.DB.ApplyLine(ctx, purchaseID, lineIndex, line)
	if errors.Is(err, inventorydb.ErrTierNotFound) {
		return LineResult{}, apperrors.NotFound("tier", line.TierID)
	}
	if err != nil {
		return LineResult{}, fmt.Errorf("apply line %d of purchase %s: %w", lineIndex, purchaseID, err)
	}

	result := LineResult{
		LineIndex: lineIndex,
		TierID:    line.TierID,
		Quantity:  line.Quantity,
		Outcome:   outcome,
		Replayed:  !applied,
	}
	if applied {
		l.Logger.Debug("INVENTORY", fmt.Sprintf("purchase %s line %d: %d x tier %s -> %s", purchaseID, lineIndex, line.Quantity, line.TierID, outcome))
	}
	return result, nil
}

func (l *Ledger) tier(ctx context.Context, tierID string) (*models.Tier, error) {
	tier, err := l.DB.GetTier(ctx, tierID)
	if errors.Is(err, inventorydb.ErrTierNotFound) {
		return nil, apperrors.NotFound("tier", tierID)
	}
	if err != nil {
		return nil, fmt.Errorf("load tier %s: %w", tierID, err)
	}
	return tier, nil
}
