package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

var (
	ErrPurchaseNotFound = errors.New("purchase not found")
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrEventNotFound    = errors.New("event not found")
	ErrDiscountNotFound = errors.New("discount not found")
)

type DB struct {
	Bun *bun.DB
}

func (d *DB) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := d.Bun.NewSelect().Model(&tenant).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (d *DB) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	err := d.Bun.NewSelect().Model(&event).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetTiers returns the requested tiers of one event, keyed by id. Ids that do
// not belong to the event are simply absent.
func (d *DB) GetTiers(ctx context.Context, eventID string, ids []string) (map[string]models.Tier, error) {
	var tiers []models.Tier
	if len(ids) == 0 {
		return map[string]models.Tier{}, nil
	}
	err := d.Bun.NewSelect().
		Model(&tiers).
		Where("event_id = ?", eventID).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Tier, len(tiers))
	for _, t := range tiers {
		out[t.ID] = t
	}
	return out, nil
}

func (d *DB) GetDiscount(ctx context.Context, eventID, code string) (*models.Discount, error) {
	var discount models.Discount
	err := d.Bun.NewSelect().
		Model(&discount).
		Where("event_id = ?", eventID).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDiscountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &discount, nil
}

// ClaimDiscountUse bumps the usage counter only while the limit allows it.
func (d *DB) ClaimDiscountUse(ctx context.Context, discountID string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Discount)(nil)).
		Set("current_usage = current_usage + 1").
		Where("id = ?", discountID).
		Where("(max_usage = 0 OR current_usage < max_usage)").
		Exec(ctx)
	return affectedOne(res, err)
}

func (d *DB) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	_, err := d.Bun.NewInsert().Model(p).Exec(ctx)
	return err
}

func (d *DB) GetPurchase(ctx context.Context, id string) (*models.Purchase, error) {
	var p models.Purchase
	err := d.Bun.NewSelect().Model(&p).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *DB) SetPaymentRef(ctx context.Context, id, paymentID string, at time.Time) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("payment_ref = ?", paymentID).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// The Mark* updates below each set one confirmation marker. They are
// conditional so a replay or a concurrent confirmer changes nothing, and the
// boolean reports whether this call was the one that set it.

func (d *DB) MarkConfirmationStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("confirmation_started_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("confirmation_started_at IS NULL").
		Where("status IN (?)", bun.In([]models.PurchaseStatus{models.PurchasePending, models.PurchaseFailed})).
		Exec(ctx)
	return affectedOne(res, err)
}

func (d *DB) MarkInventoryApplied(ctx context.Context, id string, oversold, refundFlagged bool, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("inventory_applied_at = ?", at).
		Set("oversold = ?", oversold).
		Set("refund_flagged = ?", refundFlagged).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("inventory_applied_at IS NULL").
		Exec(ctx)
	return affectedOne(res, err)
}

func (d *DB) MarkTicketsIssued(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("tickets_issued_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("tickets_issued_at IS NULL").
		Exec(ctx)
	return affectedOne(res, err)
}

// MarkCompleted also accepts a failed purchase: an expired purchase whose
// payment was captured late still has to complete.
func (d *DB) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("status = ?", models.PurchaseCompleted).
		Set("completed_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status IN (?)", bun.In([]models.PurchaseStatus{models.PurchasePending, models.PurchaseFailed})).
		Exec(ctx)
	return affectedOne(res, err)
}

func (d *DB) MarkNotified(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("notified_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("notified_at IS NULL").
		Exec(ctx)
	return affectedOne(res, err)
}

func (d *DB) MarkCancelled(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("status = ?", models.PurchaseCancelled).
		Set("cancel_reason = ?", reason).
		Set("cancelled_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status != ?", models.PurchaseCancelled).
		Exec(ctx)
	return affectedOne(res, err)
}

// settlingPayment matches purchases whose payment was approved or is still
// being processed; those never expire.
const settlingPayment = "EXISTS (SELECT 1 FROM payments AS pay WHERE pay.purchase_id = p.id AND pay.status IN (?))"

var settlingStatuses = []models.PaymentStatus{models.PaymentApproved, models.PaymentInProcess}

// ListExpiryCandidates returns pending purchases older than cutoff that have
// not started confirming and have no payment in flight.
func (d *DB) ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error) {
	var out []models.Purchase
	err := d.Bun.NewSelect().
		Model(&out).
		Where("p.status = ?", models.PurchasePending).
		Where("p.created_at < ?", cutoff).
		Where("p.confirmation_started_at IS NULL").
		Where("NOT "+settlingPayment, bun.In(settlingStatuses)).
		Order("p.created_at ASC").
		Limit(limit).
		Scan(ctx)
	return out, err
}

// ExpirePurchase re-checks every condition in the update itself, so a
// purchase whose confirmation began after it was listed is left alone.
func (d *DB) ExpirePurchase(ctx context.Context, id string, cutoff, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("status = ?", models.PurchaseFailed).
		Set("failure_reason = ?", "expired").
		Set("updated_at = ?", at).
		Where("p.id = ?", id).
		Where("p.status = ?", models.PurchasePending).
		Where("p.created_at < ?", cutoff).
		Where("p.confirmation_started_at IS NULL").
		Where("NOT "+settlingPayment, bun.In(settlingStatuses)).
		Exec(ctx)
	return affectedOne(res, err)
}

// ListStalledConfirmations finds purchases whose confirmation began before
// startedBefore but never reached the notified marker.
func (d *DB) ListStalledConfirmations(ctx context.Context, startedBefore time.Time, limit int) ([]models.Purchase, error) {
	var out []models.Purchase
	err := d.Bun.NewSelect().
		Model(&out).
		Where("confirmation_started_at IS NOT NULL").
		Where("confirmation_started_at < ?", startedBefore).
		Where("notified_at IS NULL").
		Where("status != ?", models.PurchaseCancelled).
		Order("confirmation_started_at ASC").
		Limit(limit).
		Scan(ctx)
	return out, err
}

// ListPaidUnconfirmed finds purchases with an approved payment whose
// confirmation never started, for example after a crash right after approval.
func (d *DB) ListPaidUnconfirmed(ctx context.Context, approvedBefore time.Time, limit int) ([]models.Purchase, error) {
	var out []models.Purchase
	err := d.Bun.NewSelect().
		Model(&out).
		Where("p.status IN (?)", bun.In([]models.PurchaseStatus{models.PurchasePending, models.PurchaseFailed})).
		Where("p.confirmation_started_at IS NULL").
		Where("EXISTS (SELECT 1 FROM payments AS pay WHERE pay.purchase_id = p.id AND pay.status = ? AND pay.updated_at < ?)",
			models.PaymentApproved, approvedBefore).
		Order("p.created_at ASC").
		Limit(limit).
		Scan(ctx)
	return out, err
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
