package storage

import (
	"context"
	"errors"
	"time"

	"ms-fulfillment/internal/models"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrDuplicateAttempt = errors.New("payment attempt already recorded")
)

type Store interface {
	SavePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetByAttempt(ctx context.Context, purchaseID, attemptKey string) (*models.Payment, error)
	GetByGatewayID(ctx context.Context, gatewayID string) (*models.Payment, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.Payment, error)
	ListByPurchase(ctx context.Context, purchaseID string) ([]models.Payment, error)
	HasActivePayment(ctx context.Context, purchaseID string) (bool, error)
	HasApprovedPayment(ctx context.Context, purchaseID string) (bool, error)
	// GetUnacknowledgedAttempt returns the newest pending payment the gateway
	// never answered for, or ErrPaymentNotFound.
	GetUnacknowledgedAttempt(ctx context.Context, purchaseID string) (*models.Payment, error)
	ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Payment, error)

	// TransitionStatus applies the monotonic rule in the database and reports
	// whether this call moved the payment.
	TransitionStatus(ctx context.Context, id string, to models.PaymentStatus, detail, raw string, at time.Time) (bool, error)
	AttachGatewayRefs(ctx context.Context, id string, refs GatewayRefs, at time.Time) error

	HealthCheck(ctx context.Context) error
}

// GatewayRefs are the gateway-side identifiers learned after the payment row
// was created. Empty fields are left untouched.
type GatewayRefs struct {
	GatewayID   string
	SessionID   string
	RedirectURL string
}
