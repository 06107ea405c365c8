package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

type BunStore struct {
	db  *bun.DB
	log *logger.Logger
}

func NewBunStore(db *bun.DB, log *logger.Logger) *BunStore {
	return &BunStore{db: db, log: log}
}

func (s *BunStore) SavePayment(ctx context.Context, payment *models.Payment) error {
	_, err := s.db.NewInsert().Model(payment).Exec(ctx)
	if apperrors.IsUniqueViolation(err) {
		return ErrDuplicateAttempt
	}
	if err != nil {
		s.log.Error("DATABASE", fmt.Sprintf("Failed to save payment %s: %v", payment.ID, err))
		return err
	}
	s.log.LogDatabase("INSERT", "payments", fmt.Sprintf("Payment %s for purchase %s", payment.ID, payment.PurchaseID))
	return nil
}

func (s *BunStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return s.getOne(ctx, "id = ?", id)
}

func (s *BunStore) GetByAttempt(ctx context.Context, purchaseID, attemptKey string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.NewSelect().
		Model(&p).
		Where("purchase_id = ?", purchaseID).
		Where("attempt_key = ?", attemptKey).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BunStore) GetByGatewayID(ctx context.Context, gatewayID string) (*models.Payment, error) {
	return s.getOne(ctx, "gateway_id = ?", gatewayID)
}

func (s *BunStore) GetBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	return s.getOne(ctx, "session_id = ?", sessionID)
}

func (s *BunStore) getOne(ctx context.Context, where string, arg string) (*models.Payment, error) {
	if arg == "" {
		return nil, ErrPaymentNotFound
	}
	var p models.Payment
	err := s.db.NewSelect().Model(&p).Where(where, arg).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BunStore) ListByPurchase(ctx context.Context, purchaseID string) ([]models.Payment, error) {
	out := make([]models.Payment, 0)
	err := s.db.NewSelect().
		Model(&out).
		Where("purchase_id = ?", purchaseID).
		Order("created_at ASC").
		Scan(ctx)
	return out, err
}

func (s *BunStore) HasActivePayment(ctx context.Context, purchaseID string) (bool, error) {
	return s.db.NewSelect().
		Model((*models.Payment)(nil)).
		Where("purchase_id = ?", purchaseID).
		Where("status IN (?)", bun.In([]models.PaymentStatus{models.PaymentApproved, models.PaymentInProcess})).
		Exists(ctx)
}

func (s *BunStore) HasApprovedPayment(ctx context.Context, purchaseID string) (bool, error) {
	return s.db.NewSelect().
		Model((*models.Payment)(nil)).
		Where("purchase_id = ?", purchaseID).
		Where("status = ?", models.PaymentApproved).
		Exists(ctx)
}

func (s *BunStore) GetUnacknowledgedAttempt(ctx context.Context, purchaseID string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.NewSelect().
		Model(&p).
		Where("pay.purchase_id = ?", purchaseID).
		Where("pay.status = ?", models.PaymentPending).
		Where("pay.gateway_id IS NULL").
		Where("pay.session_id IS NULL").
		Order("pay.created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListUnsettled returns pending or in-process payments that reached the
// gateway, belong to a purchase that is still pending and have not changed
// since updatedBefore.
func (s *BunStore) ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Payment, error) {
	out := make([]models.Payment, 0)
	err := s.db.NewSelect().
		Model(&out).
		Where("pay.status IN (?)", bun.In([]models.PaymentStatus{models.PaymentPending, models.PaymentInProcess})).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("pay.gateway_id IS NOT NULL").WhereOr("pay.session_id IS NOT NULL")
		}).
		Where("pay.updated_at < ?", updatedBefore).
		Where("EXISTS (SELECT 1 FROM purchases AS p WHERE p.id = pay.purchase_id AND p.status = ?)", models.PurchasePending).
		Order("pay.updated_at ASC").
		Limit(limit).
		Scan(ctx)
	return out, err
}

func (s *BunStore) TransitionStatus(ctx context.Context, id string, to models.PaymentStatus, detail, raw string, at time.Time) (bool, error) {
	from := to.Predecessors()
	if len(from) == 0 {
		return false, nil
	}

	q := s.db.NewUpdate().
		Model((*models.Payment)(nil)).
		Set("status = ?", to).
		Set("status_detail = ?", detail).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from))
	if raw != "" {
		q = q.Set("raw_gateway_payload = ?", raw)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		s.log.LogPayment("TRANSITION", id, fmt.Sprintf("-> %s", to))
	}
	return n == 1, nil
}

func (s *BunStore) AttachGatewayRefs(ctx context.Context, id string, refs GatewayRefs, at time.Time) error {
	q := s.db.NewUpdate().
		Model((*models.Payment)(nil)).
		Set("updated_at = ?", at).
		Where("id = ?", id)
	if refs.GatewayID != "" {
		q = q.Set("gateway_id = COALESCE(gateway_id, ?)", refs.GatewayID)
	}
	if refs.SessionID != "" {
		q = q.Set("session_id = COALESCE(session_id, ?)", refs.SessionID)
	}
	if refs.RedirectURL != "" {
		q = q.Set("redirect_url = ?", refs.RedirectURL)
	}
	_, err := q.Exec(ctx)
	return err
}

func (s *BunStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
