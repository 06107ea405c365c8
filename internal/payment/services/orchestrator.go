package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/gateway"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/payment/storage"
	purchasedb "ms-fulfillment/internal/purchase/db"
	"ms-fulfillment/internal/redis"

	"github.com/google/uuid"
)

type PurchaseStore interface {
	GetPurchase(ctx context.Context, id string) (*models.Purchase, error)
	SetPaymentRef(ctx context.Context, id, paymentID string, at time.Time) error
}

type Confirmer interface {
	ConfirmPurchase(ctx context.Context, purchaseID string) (*models.Purchase, error)
}

type Leases interface {
	Acquire(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type InitiatePaymentRequest struct {
	PurchaseID string               `json:"purchase_id"`
	Method     models.PaymentMethod `json:"method"`
	// AttemptKey comes from the Idempotency-Key header. Repeating it replays
	// the stored attempt instead of charging again.
	AttemptKey string `json:"-"`
}

type InitiatePaymentResult struct {
	Payment  *models.Payment  `json:"payment"`
	Purchase *models.Purchase `json:"purchase"`
	Replayed bool             `json:"replayed"`
}

// Orchestrator starts payments and folds gateway answers into payment state.
type Orchestrator struct {
	Payments  storage.Store
	Purchases PurchaseStore
	Gateway   gateway.Gateway
	Confirmer Confirmer
	Leases    Leases
	Events    *kafka.EventPublisher
	Timeout   time.Duration
	Logger    *logger.Logger
	now       func() time.Time
}

func NewOrchestrator(payments storage.Store, purchases PurchaseStore, gw gateway.Gateway, confirmer Confirmer, timeout time.Duration, log *logger.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Orchestrator{
		Payments:  payments,
		Purchases: purchases,
		Gateway:   gw,
		Confirmer: confirmer,
		Timeout:   timeout,
		Logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) InitiatePayment(ctx context.Context, req InitiatePaymentRequest) (*InitiatePaymentResult, error) {
	if req.PurchaseID == "" {
		return nil, apperrors.Validation("purchase_id", "purchase_id is required")
	}
	if err := req.Method.Validate(); err != nil {
		return nil, err
	}

	purchase, err := o.loadPurchase(ctx, req.PurchaseID)
	if err != nil {
		return nil, err
	}

	if req.AttemptKey != "" {
		if res, err := o.replay(ctx, purchase, req.AttemptKey); res != nil || err != nil {
			return res, err
		}
	} else {
		req.AttemptKey = uuid.NewString()
	}

	if purchase.Status != models.PurchasePending {
		return nil, apperrors.Conflict(fmt.Sprintf("purchase is %s", purchase.Status))
	}

	if o.Leases != nil {
		key := redis.PaymentKey(purchase.ID)
		token, ok, err := o.Leases.Acquire(ctx, key)
		switch {
		case err != nil:
			o.Logger.Warn("PAYMENT", fmt.Sprintf("Payment lease unavailable for %s, continuing without it: %v", purchase.ID, err))
		case !ok:
			return nil, apperrors.Conflict("a payment for this purchase is already being started")
		default:
			defer func() {
				if err := o.Leases.Release(context.WithoutCancel(ctx), key, token); err != nil {
					o.Logger.Warn("PAYMENT", fmt.Sprintf("Failed to release payment lease for %s: %v", purchase.ID, err))
				}
			}()
		}
	}

	active, err := o.Payments.HasActivePayment(ctx, purchase.ID)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to check existing payments")
	}
	if active {
		return nil, apperrors.Conflict("purchase already has an approved or in-process payment")
	}

	// A retry after a timeout must not open a second charge at the gateway,
	// so an attempt the gateway never answered is sent again under its own
	// idempotency key.
	earlier, err := o.Payments.GetUnacknowledgedAttempt(ctx, purchase.ID)
	switch {
	case err == nil:
		if earlier.Method != req.Method.Kind {
			return nil, apperrors.Conflict(fmt.Sprintf("an earlier %s payment has an unknown outcome, retry with the same method", earlier.Method))
		}
		o.Logger.LogPayment("RESEND", earlier.ID, fmt.Sprintf("purchase %s, unanswered attempt %s sent again", purchase.ID, earlier.AttemptKey))
		return o.send(ctx, purchase, earlier, req.Method)
	case !errors.Is(err, storage.ErrPaymentNotFound):
		return nil, apperrors.Internal(err, "failed to look up earlier payment attempts")
	}

	now := o.now()
	paymentID := uuid.NewString()
	payment := &models.Payment{
		ID:             paymentID,
		PurchaseID:     purchase.ID,
		AttemptKey:     req.AttemptKey,
		IdempotencyKey: "pay_" + paymentID,
		Amount:         purchase.Total,
		Currency:       purchase.Currency,
		Method:         req.Method.Kind,
		Status:         models.PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.Payments.SavePayment(ctx, payment); err != nil {
		if errors.Is(err, storage.ErrDuplicateAttempt) {
			return o.replay(ctx, purchase, req.AttemptKey)
		}
		return nil, apperrors.Internal(err, "failed to record payment")
	}
	if err := o.Purchases.SetPaymentRef(ctx, purchase.ID, payment.ID, now); err != nil {
		o.Logger.Warn("PAYMENT", fmt.Sprintf("Failed to set payment ref on purchase %s: %v", purchase.ID, err))
	}
	o.Logger.LogPayment("INITIATE", payment.ID, fmt.Sprintf("purchase %s, %d %s via %s", purchase.ID, payment.Amount, payment.Currency, payment.Method))
	return o.send(ctx, purchase, payment, req.Method)
}

// send makes the gateway call for a recorded payment and applies the answer.
func (o *Orchestrator) send(ctx context.Context, purchase *models.Purchase, payment *models.Payment, method models.PaymentMethod) (*InitiatePaymentResult, error) {
	if payment.Amount == 0 {
		if _, err := o.ApplyGatewayState(ctx, payment, &gateway.Charge{Status: models.PaymentApproved, StatusDetail: "zero_amount"}); err != nil {
			return nil, err
		}
		return o.result(ctx, payment.ID, purchase.ID, false)
	}

	charge, err := o.charge(ctx, purchase, payment, method)
	if err != nil {
		var declined *gateway.DeclinedError
		if errors.As(err, &declined) {
			if _, applyErr := o.ApplyGatewayState(ctx, payment, declined.Charge); applyErr != nil {
				o.Logger.Error("PAYMENT", fmt.Sprintf("Failed to record decline of %s: %v", payment.ID, applyErr))
			}
			return nil, apperrors.Gateway(err, "payment was declined")
		}
		// The outcome is unknown, so the payment stays pending. The webhook,
		// a resend or the sweeper settles it.
		o.Logger.Error("PAYMENT", fmt.Sprintf("Gateway call for %s failed: %v", payment.ID, err))
		return nil, apperrors.Gateway(err, "payment gateway unavailable, try again")
	}

	if _, err := o.ApplyGatewayState(ctx, payment, charge); err != nil {
		return nil, err
	}
	return o.result(ctx, payment.ID, purchase.ID, false)
}

func (o *Orchestrator) charge(ctx context.Context, purchase *models.Purchase, payment *models.Payment, method models.PaymentMethod) (*gateway.Charge, error) {
	gctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	req := gateway.ChargeRequest{
		PaymentID:      payment.ID,
		PurchaseID:     purchase.ID,
		IdempotencyKey: payment.IdempotencyKey,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		Description:    fmt.Sprintf("Tickets %s", purchase.ID),
		BuyerName:      purchase.Buyer.Name,
		BuyerEmail:     purchase.Buyer.Email,
		Method:         method,
	}
	if method.Kind == models.MethodHostedCheckout {
		return o.Gateway.CreateCheckoutSession(gctx, req)
	}
	return o.Gateway.ChargeDirect(gctx, req)
}

// ApplyGatewayState merges what the gateway reported into the payment. Only
// forward moves are written; the first move into approved starts
// confirmation. Confirmation errors are logged because the sweeper resumes
// confirmation later.
func (o *Orchestrator) ApplyGatewayState(ctx context.Context, payment *models.Payment, charge *gateway.Charge) (bool, error) {
	now := o.now()
	if charge.GatewayID != "" || charge.SessionID != "" || charge.RedirectURL != "" {
		refs := storage.GatewayRefs{GatewayID: charge.GatewayID, SessionID: charge.SessionID, RedirectURL: charge.RedirectURL}
		if err := o.Payments.AttachGatewayRefs(ctx, payment.ID, refs, now); err != nil {
			return false, apperrors.Internal(err, "failed to store gateway references")
		}
	}

	changed, err := o.Payments.TransitionStatus(ctx, payment.ID, charge.Status, charge.StatusDetail, charge.Raw, now)
	if err != nil {
		return false, apperrors.Internal(err, "failed to update payment status")
	}
	if !changed {
		o.Logger.Debug("PAYMENT", fmt.Sprintf("Payment %s: %s does not advance current state", payment.ID, charge.Status))
		return false, nil
	}

	o.Events.PaymentStatusChanged(ctx, models.PaymentStatusChanged{
		PaymentID:  payment.ID,
		PurchaseID: payment.PurchaseID,
		GatewayID:  charge.GatewayID,
		Status:     charge.Status,
		Detail:     charge.StatusDetail,
	})

	if charge.Status == models.PaymentApproved {
		o.checkDuplicateApproval(ctx, payment, charge)
		if _, err := o.Confirmer.ConfirmPurchase(ctx, payment.PurchaseID); err != nil {
			o.Logger.Error("PAYMENT", fmt.Sprintf("Confirmation of purchase %s after payment %s failed: %v", payment.PurchaseID, payment.ID, err))
		}
	}
	return true, nil
}

// checkDuplicateApproval raises an alert when another payment of the same
// purchase was already approved. Confirmation still runs and is a no-op for
// the extra charge.
func (o *Orchestrator) checkDuplicateApproval(ctx context.Context, payment *models.Payment, charge *gateway.Charge) {
	all, err := o.Payments.ListByPurchase(ctx, payment.PurchaseID)
	if err != nil {
		o.Logger.Warn("PAYMENT", fmt.Sprintf("Could not check purchase %s for duplicate payments: %v", payment.PurchaseID, err))
		return
	}
	var before []string
	for _, other := range all {
		if other.ID != payment.ID && other.Status == models.PaymentApproved {
			before = append(before, other.ID)
		}
	}
	if len(before) == 0 {
		return
	}
	o.Logger.LogAlert("DUPLICATE_PAYMENT", fmt.Sprintf("purchase %s: payment %s approved after %v; refund manually", payment.PurchaseID, payment.ID, before))
	o.Events.DuplicatePaymentAlert(ctx, models.DuplicatePaymentAlert{
		PurchaseID:     payment.PurchaseID,
		PaymentID:      payment.ID,
		GatewayID:      charge.GatewayID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		ApprovedBefore: before,
	})
}

func (o *Orchestrator) ListByPurchase(ctx context.Context, purchaseID string) ([]models.Payment, error) {
	return o.Payments.ListByPurchase(ctx, purchaseID)
}

func (o *Orchestrator) replay(ctx context.Context, purchase *models.Purchase, attemptKey string) (*InitiatePaymentResult, error) {
	existing, err := o.Payments.GetByAttempt(ctx, purchase.ID, attemptKey)
	if errors.Is(err, storage.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err, "failed to look up payment attempt")
	}
	o.Logger.LogPayment("REPLAY", existing.ID, fmt.Sprintf("attempt %s replayed", attemptKey))
	return o.result(ctx, existing.ID, purchase.ID, true)
}

func (o *Orchestrator) result(ctx context.Context, paymentID, purchaseID string, replayed bool) (*InitiatePaymentResult, error) {
	payment, err := o.Payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to reload payment")
	}
	purchase, err := o.loadPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	return &InitiatePaymentResult{Payment: payment, Purchase: purchase, Replayed: replayed}, nil
}

func (o *Orchestrator) loadPurchase(ctx context.Context, id string) (*models.Purchase, error) {
	p, err := o.Purchases.GetPurchase(ctx, id)
	if errors.Is(err, purchasedb.ErrPurchaseNotFound) {
		return nil, apperrors.NotFound("purchase", id)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load purchase")
	}
	return p, nil
}
