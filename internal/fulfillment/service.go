// Package fulfillment turns an approved payment into issued tickets.
//
// ConfirmPurchase is a saga over independent rows. Every step records a
// marker on the purchase with a conditional update and every step is
// idempotent, so a crash at any point is repaired by running it again.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/inventory"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notify"
	purchasedb "ms-fulfillment/internal/purchase/db"
	"ms-fulfillment/internal/redis"
)

type PurchaseStore interface {
	GetPurchase(ctx context.Context, id string) (*models.Purchase, error)
	MarkConfirmationStarted(ctx context.Context, id string, at time.Time) (bool, error)
	MarkInventoryApplied(ctx context.Context, id string, oversold, refundFlagged bool, at time.Time) (bool, error)
	MarkTicketsIssued(ctx context.Context, id string, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)
	MarkNotified(ctx context.Context, id string, at time.Time) (bool, error)
}

type Inventory interface {
	ApplyLine(ctx context.Context, purchaseID string, lineIndex int, line models.LineItem) (inventory.LineResult, error)
}

type Issuer interface {
	IssueTicketsForPurchase(ctx context.Context, purchase *models.Purchase) ([]models.Ticket, error)
	Artifacts(tickets []models.Ticket) ([]models.TicketArtifacts, error)
}

type Leases interface {
	Acquire(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type PaymentChecker interface {
	HasApprovedPayment(ctx context.Context, purchaseID string) (bool, error)
}

type Emitter interface {
	Emit(update models.PurchaseUpdate)
}

type Service struct {
	Purchases  PurchaseStore
	Inventory  Inventory
	Tickets    Issuer
	Dispatcher notify.Dispatcher
	Payments   PaymentChecker
	Leases     Leases
	Events     *kafka.EventPublisher
	Emitter    Emitter
	Policy     config.OversellPolicy
	Logger     *logger.Logger
	now        func() time.Time
}

func NewService(
	purchases PurchaseStore,
	inv Inventory,
	issuer Issuer,
	dispatcher notify.Dispatcher,
	payments PaymentChecker,
	policy config.OversellPolicy,
	log *logger.Logger,
) *Service {
	if policy == "" {
		policy = config.OversellAlert
	}
	return &Service{
		Purchases:  purchases,
		Inventory:  inv,
		Tickets:    issuer,
		Dispatcher: dispatcher,
		Payments:   payments,
		Policy:     policy,
		Logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ConfirmPurchase runs, or finishes, confirmation of a paid purchase. It is
// safe to call any number of times and concurrently.
func (s *Service) ConfirmPurchase(ctx context.Context, purchaseID string) (*models.Purchase, error) {
	if s.Leases != nil {
		key := redis.ConfirmKey(purchaseID)
		token, ok, err := s.Leases.Acquire(ctx, key)
		switch {
		case err != nil:
			s.Logger.Warn("FULFILLMENT", fmt.Sprintf("Confirm lease unavailable for %s, continuing without it: %v", purchaseID, err))
		case !ok:
			s.Logger.Debug("FULFILLMENT", fmt.Sprintf("Confirmation of %s already running elsewhere", purchaseID))
			return s.load(ctx, purchaseID)
		default:
			defer func() {
				if err := s.Leases.Release(context.WithoutCancel(ctx), key, token); err != nil {
					s.Logger.Warn("FULFILLMENT", fmt.Sprintf("Failed to release confirm lease for %s: %v", purchaseID, err))
				}
			}()
		}
	}

	p, err := s.load(ctx, purchaseID)
	if err != nil {
		return nil, err
	}

	if p.Status == models.PurchaseCancelled {
		s.Logger.LogAlert("PAID_AFTER_CANCEL", fmt.Sprintf("purchase %s was cancelled but a payment was approved; refund manually", p.ID))
		return p, apperrors.Conflict("purchase is cancelled")
	}
	if p.Status == models.PurchaseCompleted && !p.NotifiedAt.IsZero() {
		return p, nil
	}

	started, err := s.Purchases.MarkConfirmationStarted(ctx, p.ID, s.now())
	if err != nil {
		return nil, apperrors.Internal(err, "failed to start confirmation")
	}
	if started {
		s.Logger.LogPurchase("CONFIRM", p.ID, "Confirmation started")
	} else {
		s.Logger.LogPurchase("CONFIRM", p.ID, "Resuming confirmation")
	}

	if p.InventoryAppliedAt.IsZero() {
		if err := s.applyInventory(ctx, p); err != nil {
			return nil, err
		}
	}

	tickets, err := s.Tickets.IssueTicketsForPurchase(ctx, p)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to issue tickets")
	}
	if p.TicketsIssuedAt.IsZero() {
		if _, err := s.Purchases.MarkTicketsIssued(ctx, p.ID, s.now()); err != nil {
			return nil, apperrors.Internal(err, "failed to record ticket issuance")
		}
	}

	if p.Status != models.PurchaseCompleted {
		completed, err := s.Purchases.MarkCompleted(ctx, p.ID, s.now())
		if err != nil {
			return nil, apperrors.Internal(err, "failed to complete purchase")
		}
		if completed {
			if p.Status == models.PurchaseFailed {
				s.Logger.Warn("FULFILLMENT", fmt.Sprintf("Purchase %s completed after it had failed (%s); payment arrived late", p.ID, p.FailureReason))
			}
			p.Status = models.PurchaseCompleted
			s.Logger.LogPurchase("COMPLETED", p.ID, fmt.Sprintf("%d tickets issued", len(tickets)))
			s.Events.PurchaseEvent(ctx, models.EventPurchaseCompleted, p)
			if s.Emitter != nil {
				s.Emitter.Emit(models.NewPurchaseUpdate(p, ""))
			}
		}
	}

	if p.NotifiedAt.IsZero() {
		s.notify(ctx, p, tickets)
	}

	return s.load(ctx, p.ID)
}

// Resume is the operator entry point. Unlike ConfirmPurchase it refuses a
// purchase that was never paid.
func (s *Service) Resume(ctx context.Context, purchaseID string) (*models.Purchase, error) {
	p, err := s.load(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.ConfirmationStartedAt.IsZero() {
		paid, err := s.Payments.HasApprovedPayment(ctx, purchaseID)
		if err != nil {
			return nil, apperrors.Internal(err, "failed to check payments")
		}
		if !paid {
			return nil, apperrors.Conflict("purchase has no approved payment")
		}
	}
	return s.ConfirmPurchase(ctx, purchaseID)
}

func (s *Service) applyInventory(ctx context.Context, p *models.Purchase) error {
	var oversold []inventory.LineResult
	for i, line := range p.LineItems {
		res, err := s.Inventory.ApplyLine(ctx, p.ID, i, line)
		if err != nil {
			if apperrors.Is(err, apperrors.CodeNotFound) {
				return err
			}
			return apperrors.Internal(err, "failed to apply inventory")
		}
		if res.Oversold() {
			oversold = append(oversold, res)
		}
	}

	refundFlag := len(oversold) > 0 && s.Policy == config.OversellRefundFlag
	marked, err := s.Purchases.MarkInventoryApplied(ctx, p.ID, len(oversold) > 0, refundFlag, s.now())
	if err != nil {
		return apperrors.Internal(err, "failed to record inventory")
	}
	if !marked {
		return nil
	}

	for _, line := range oversold {
		s.Logger.LogAlert("OVERSOLD", fmt.Sprintf("purchase %s: %d x tier %s issued past capacity (policy %s)", p.ID, line.Quantity, line.TierID, s.Policy))
		s.Events.OversellAlert(ctx, models.OversellAlert{
			PurchaseID:    p.ID,
			TenantID:      p.TenantID,
			EventID:       p.EventID,
			TierID:        line.TierID,
			Quantity:      line.Quantity,
			Policy:        string(s.Policy),
			RefundFlagged: refundFlag,
		})
	}
	return nil
}

// notify is best effort. A failure leaves the marker unset so the sweeper
// tries again; it never undoes the earlier steps.
func (s *Service) notify(ctx context.Context, p *models.Purchase, tickets []models.Ticket) {
	if s.Dispatcher == nil {
		return
	}
	artifacts, err := s.Tickets.Artifacts(tickets)
	if err != nil {
		s.Logger.Warn("NOTIFY", fmt.Sprintf("Could not render tickets for %s: %v", p.ID, err))
		return
	}
	deliveryID, err := s.Dispatcher.SendTicketBundle(ctx, notify.Bundle{
		PurchaseID: p.ID,
		TenantID:   p.TenantID,
		EventID:    p.EventID,
		Buyer:      p.Buyer,
		Total:      p.Total,
		Currency:   p.Currency,
		Tickets:    artifacts,
	})
	if err != nil {
		s.Logger.Warn("NOTIFY", fmt.Sprintf("Ticket delivery for %s failed, will retry: %v", p.ID, err))
		return
	}
	if _, err := s.Purchases.MarkNotified(ctx, p.ID, s.now()); err != nil {
		s.Logger.Warn("NOTIFY", fmt.Sprintf("Delivery %s sent but not recorded for %s: %v", deliveryID, p.ID, err))
	}
}

func (s *Service) load(ctx context.Context, id string) (*models.Purchase, error) {
	p, err := s.Purchases.GetPurchase(ctx, id)
	if errors.Is(err, purchasedb.ErrPurchaseNotFound) {
		return nil, apperrors.NotFound("purchase", id)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load purchase")
	}
	return p, nil
}
