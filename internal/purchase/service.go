package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	purchasedb "ms-fulfillment/internal/purchase/db"
	"ms-fulfillment/internal/purchase/discount"
	"ms-fulfillment/internal/validation"

	"github.com/google/uuid"
)

type Store interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetTiers(ctx context.Context, eventID string, ids []string) (map[string]models.Tier, error)
	GetDiscount(ctx context.Context, eventID, code string) (*models.Discount, error)
	ClaimDiscountUse(ctx context.Context, discountID string) (bool, error)
	CreatePurchase(ctx context.Context, p *models.Purchase) error
	GetPurchase(ctx context.Context, id string) (*models.Purchase, error)
	MarkCancelled(ctx context.Context, id, reason string, at time.Time) (bool, error)
}

type PaymentLister interface {
	ListByPurchase(ctx context.Context, purchaseID string) ([]models.Payment, error)
}

type TicketStore interface {
	ListByPurchase(ctx context.Context, purchaseID string) ([]models.Ticket, error)
	CancelTicketsForPurchase(ctx context.Context, purchaseID string) (int64, error)
}

type Emitter interface {
	Emit(update models.PurchaseUpdate)
}

type PurchaseService struct {
	DB         Store
	Payments   PaymentLister
	Tickets    TicketStore
	Events     *kafka.EventPublisher
	Emitter    Emitter
	Currency   string
	MaxPerLine int
	Logger     *logger.Logger
	now        func() time.Time
}

func NewPurchaseService(db Store, payments PaymentLister, tickets TicketStore, currency string, maxPerLine int, log *logger.Logger) *PurchaseService {
	if maxPerLine <= 0 {
		maxPerLine = 10
	}
	return &PurchaseService{
		DB:         db,
		Payments:   payments,
		Tickets:    tickets,
		Currency:   strings.ToLower(currency),
		MaxPerLine: maxPerLine,
		Logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreatePurchase validates the cart, prices it from the catalog and stores
// it as pending. Inventory is not touched until the purchase is paid.
func (s *PurchaseService) CreatePurchase(ctx context.Context, req models.PurchaseRequest) (*models.Purchase, error) {
	buyer, err := validateBuyer(req.Buyer)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, apperrors.Validation("tenant_id", "tenant_id is required")
	}
	if strings.TrimSpace(req.EventID) == "" {
		return nil, apperrors.Validation("event_id", "event_id is required")
	}
	items, err := s.mergeItems(req.Items)
	if err != nil {
		return nil, err
	}

	tenant, err := s.DB.GetTenant(ctx, req.TenantID)
	if errors.Is(err, purchasedb.ErrTenantNotFound) {
		return nil, apperrors.NotFound("tenant", req.TenantID)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load tenant")
	}
	if !tenant.Active {
		return nil, apperrors.Validation("tenant_id", "tenant is not active")
	}

	event, err := s.DB.GetEvent(ctx, req.EventID)
	if errors.Is(err, purchasedb.ErrEventNotFound) || (err == nil && event.TenantID != tenant.ID) {
		return nil, apperrors.NotFound("event", req.EventID)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load event")
	}
	if event.Status != models.EventPublished {
		return nil, apperrors.Conflict("event is not on sale")
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.TierID
	}
	tiers, err := s.DB.GetTiers(ctx, event.ID, ids)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load tiers")
	}

	lines := make([]models.LineItem, 0, len(items))
	var subtotal int64
	for _, it := range items {
		tier, ok := tiers[it.TierID]
		if !ok {
			return nil, apperrors.NotFound("tier", it.TierID)
		}
		line := models.LineItem{TierID: tier.ID, TierName: tier.Name, Quantity: it.Quantity, UnitPrice: tier.Price}
		lines = append(lines, line)
		subtotal += line.Total()
	}

	now := s.now()
	p := &models.Purchase{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		EventID:   event.ID,
		Buyer:     buyer,
		LineItems: lines,
		Subtotal:  subtotal,
		Total:     subtotal,
		Currency:  s.Currency,
		Status:    models.PurchasePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if code := strings.TrimSpace(req.PromoCode); code != "" {
		amount, err := s.applyPromo(ctx, event.ID, code, lines, now)
		if err != nil {
			return nil, err
		}
		p.PromoCode = code
		p.Discount = amount
		p.Total = subtotal - amount
	}

	if err := s.DB.CreatePurchase(ctx, p); err != nil {
		s.Logger.Error("PURCHASE", fmt.Sprintf("Failed to store purchase: %v", err))
		return nil, apperrors.Internal(err, "failed to create purchase")
	}

	s.Logger.LogPurchase("CREATE", p.ID, fmt.Sprintf("%d tickets for event %s, total %d %s", p.TicketCount(), p.EventID, p.Total, p.Currency))
	s.Events.PurchaseEvent(ctx, models.EventPurchaseCreated, p)
	return p, nil
}

func (s *PurchaseService) applyPromo(ctx context.Context, eventID, code string, lines []models.LineItem, now time.Time) (int64, error) {
	d, err := s.DB.GetDiscount(ctx, eventID, code)
	if errors.Is(err, purchasedb.ErrDiscountNotFound) {
		return 0, apperrors.Validation("promo_code", "unknown promo code")
	}
	if err != nil {
		return 0, apperrors.Internal(err, "failed to load promo code")
	}

	res, err := discount.Calculate(d, lines, now)
	if err != nil {
		return 0, apperrors.Internal(err, "promo code is misconfigured")
	}
	if !res.IsValid {
		return 0, apperrors.Validation("promo_code", res.Reason)
	}

	claimed, err := s.DB.ClaimDiscountUse(ctx, d.ID)
	if err != nil {
		return 0, apperrors.Internal(err, "failed to claim promo code")
	}
	if !claimed {
		return 0, apperrors.Validation("promo_code", "Discount usage limit has been reached")
	}
	return res.Amount, nil
}

// mergeItems folds repeated tiers into one line and checks quantities.
func (s *PurchaseService) mergeItems(items []models.PurchaseRequestItem) ([]models.PurchaseRequestItem, error) {
	if len(items) == 0 {
		return nil, apperrors.Validation("items", "at least one item is required")
	}
	merged := make([]models.PurchaseRequestItem, 0, len(items))
	index := make(map[string]int, len(items))
	for i, it := range items {
		tierID := strings.TrimSpace(it.TierID)
		if tierID == "" {
			return nil, apperrors.Validation(fmt.Sprintf("items[%d].tier_id", i), "tier_id is required")
		}
		if it.Quantity <= 0 {
			return nil, apperrors.Validation(fmt.Sprintf("items[%d].quantity", i), "quantity must be positive")
		}
		if at, ok := index[tierID]; ok {
			merged[at].Quantity += it.Quantity
			continue
		}
		index[tierID] = len(merged)
		merged = append(merged, models.PurchaseRequestItem{TierID: tierID, Quantity: it.Quantity})
	}
	for _, it := range merged {
		if it.Quantity > s.MaxPerLine {
			return nil, apperrors.Validation("items", fmt.Sprintf("at most %d tickets per tier", s.MaxPerLine))
		}
	}
	return merged, nil
}

func validateBuyer(b models.Buyer) (models.Buyer, error) {
	b.Name = strings.TrimSpace(b.Name)
	b.Email = strings.TrimSpace(b.Email)
	b.Phone = strings.TrimSpace(b.Phone)
	return b, validation.Struct("buyer", b)
}

func (s *PurchaseService) GetPurchase(ctx context.Context, id string) (*models.PurchaseDetails, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.Payments.ListByPurchase(ctx, id)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load payments")
	}
	tickets, err := s.Tickets.ListByPurchase(ctx, id)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load tickets")
	}
	return &models.PurchaseDetails{Purchase: p, Payments: payments, Tickets: tickets}, nil
}

// CancelPurchase voids the purchase and its tickets. Sold counters are not
// given back; refunds happen outside this service.
func (s *PurchaseService) CancelPurchase(ctx context.Context, id, reason string) (*models.Purchase, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PurchaseCancelled {
		s.voidStragglers(ctx, id)
		return nil, apperrors.Conflict("purchase is already cancelled")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}

	cancelled, err := s.DB.MarkCancelled(ctx, id, reason, s.now())
	if err != nil {
		return nil, apperrors.Internal(err, "failed to cancel purchase")
	}
	if !cancelled {
		s.voidStragglers(ctx, id)
		return nil, apperrors.Conflict("purchase is already cancelled")
	}

	// A retried cancel voids whatever this call missed.
	voided, err := s.Tickets.CancelTicketsForPurchase(ctx, id)
	if err != nil {
		return nil, apperrors.Internal(err, "purchase cancelled but tickets were not voided")
	}

	p, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Logger.LogPurchase("CANCEL", id, fmt.Sprintf("%s, %d tickets voided", reason, voided))
	s.Events.PurchaseEvent(ctx, models.EventPurchaseCancelled, p)
	if s.Emitter != nil {
		s.Emitter.Emit(models.NewPurchaseUpdate(p, reason))
	}
	return p, nil
}

// voidStragglers cancels tickets issued by a confirmation that raced the cancel.
func (s *PurchaseService) voidStragglers(ctx context.Context, id string) {
	n, err := s.Tickets.CancelTicketsForPurchase(ctx, id)
	if err != nil {
		s.Logger.Warn("PURCHASE", fmt.Sprintf("Failed to void tickets of cancelled purchase %s: %v", id, err))
		return
	}
	if n > 0 {
		s.Logger.LogPurchase("CANCEL", id, fmt.Sprintf("voided %d tickets issued after cancellation", n))
	}
}

func (s *PurchaseService) load(ctx context.Context, id string) (*models.Purchase, error) {
	p, err := s.DB.GetPurchase(ctx, id)
	if errors.Is(err, purchasedb.ErrPurchaseNotFound) {
		return nil, apperrors.NotFound("purchase", id)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load purchase")
	}
	return p, nil
}
