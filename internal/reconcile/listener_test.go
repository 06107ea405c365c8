package reconcile

import (
	"context"
	"testing"
	"time"

	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/database/dbtest"
	"ms-fulfillment/internal/fulfillment"
	"ms-fulfillment/internal/gateway"
	"ms-fulfillment/internal/gateway/gatewaytest"
	"ms-fulfillment/internal/inventory"
	inventorydb "ms-fulfillment/internal/inventory/db"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notify"
	"ms-fulfillment/internal/payment/services"
	"ms-fulfillment/internal/payment/storage"
	purchasedb "ms-fulfillment/internal/purchase/db"
	ticketdb "ms-fulfillment/internal/tickets/db"
	qr "ms-fulfillment/internal/tickets/qr_generator"
	tickets "ms-fulfillment/internal/tickets/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"
)

type fixture struct {
	db        *bun.DB
	listener  *Listener
	orch      *services.Orchestrator
	gw        *gatewaytest.Fake
	payments  *storage.BunStore
	purchases *purchasedb.DB
	tickets   *tickets.TicketService
	cat       dbtest.Catalog
	purchase  *models.Purchase
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	log := logger.NewTestLogger(nil)
	cat := dbtest.SeedCatalog(t, db, dbtest.TierSpec{Capacity: 10, Price: 4500})

	f := &fixture{
		db:        db,
		gw:        gatewaytest.New(),
		payments:  storage.NewBunStore(db, log),
		purchases: &purchasedb.DB{Bun: db},
		tickets:   tickets.NewTicketService(&ticketdb.DB{Bun: db}, qr.NewQRGenerator("secret"), log),
		cat:       cat,
		purchase:  dbtest.SeedPurchase(t, db, cat, dbtest.Line(cat.Tiers[0], 2)),
	}
	confirmer := fulfillment.NewService(
		f.purchases,
		inventory.NewLedger(&inventorydb.DB{Bun: db}, log),
		f.tickets,
		&notify.LogDispatcher{Logger: log},
		f.payments,
		config.OversellAlert,
		log,
	)
	f.orch = services.NewOrchestrator(f.payments, f.purchases, f.gw, confirmer, time.Second, log)
	f.listener = NewListener(f.gw, f.payments, f.orch, log)
	return f
}

// startHostedCheckout leaves a pending payment with a checkout session, the
// usual state before the webhook arrives.
func (f *fixture) startHostedCheckout(t *testing.T) *models.Payment {
	t.Helper()
	res, err := f.orch.InitiatePayment(context.Background(), services.InitiatePaymentRequest{
		PurchaseID: f.purchase.ID,
		Method:     models.PaymentMethod{Kind: models.MethodHostedCheckout},
	})
	require.NoError(t, err)
	require.Equal(t, models.PaymentPending, res.Payment.Status)
	return res.Payment
}

func (f *fixture) sold(t *testing.T) int {
	var tier models.Tier
	require.NoError(t, f.db.NewSelect().Model(&tier).Where("id = ?", f.cat.Tiers[0].ID).Scan(context.Background()))
	return tier.Sold
}

func TestRepeatedApprovalConfirmsOnce(t *testing.T) {
	f := setup(t)
	payment := f.startHostedCheckout(t)
	ctx := context.Background()

	f.gw.SetPayment(gateway.Charge{GatewayID: "pi_1", SessionID: payment.SessionID, PaymentID: payment.ID, Status: models.PaymentApproved})
	f.gw.Notify("approved", gateway.Notification{EventID: "evt_1", Type: "checkout.session.completed", Relevant: true, SessionID: payment.SessionID})

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := f.listener.HandleGatewayNotification(ctx, []byte("approved"), "valid")
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 2, f.sold(t))
	issued, err := f.tickets.ListByPurchase(ctx, f.purchase.ID)
	require.NoError(t, err)
	assert.Len(t, issued, 2)

	p, err := f.purchases.GetPurchase(ctx, f.purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, p.Status)

	got, err := f.payments.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApproved, got.Status)
	assert.Equal(t, "pi_1", got.GatewayID)
}

func TestApprovedIgnoresLaterPending(t *testing.T) {
	f := setup(t)
	payment := f.startHostedCheckout(t)
	ctx := context.Background()

	f.gw.SetPayment(gateway.Charge{GatewayID: "pi_1", SessionID: payment.SessionID, Status: models.PaymentApproved})
	f.gw.Notify("approved", gateway.Notification{Type: "payment_intent.succeeded", Relevant: true, GatewayID: "pi_1", PaymentID: payment.ID})
	out, err := f.listener.HandleGatewayNotification(ctx, []byte("approved"), "valid")
	require.NoError(t, err)
	assert.True(t, out.Changed)

	// A stale delivery arrives after approval and the gateway now reports an
	// older state: nothing regresses.
	f.gw.SetPayment(gateway.Charge{GatewayID: "pi_1", Status: models.PaymentInProcess})
	f.gw.Notify("processing", gateway.Notification{Type: "payment_intent.processing", Relevant: true, GatewayID: "pi_1"})
	out, err = f.listener.HandleGatewayNotification(ctx, []byte("processing"), "valid")
	require.NoError(t, err)
	assert.False(t, out.Changed)

	got, err := f.payments.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApproved, got.Status)
	assert.Equal(t, 2, f.sold(t))
}

func TestUnknownPaymentIsAcknowledgedWithoutSideEffects(t *testing.T) {
	f := setup(t)
	f.startHostedCheckout(t)
	ctx := context.Background()

	f.gw.SetPayment(gateway.Charge{GatewayID: "pi_stranger", Status: models.PaymentApproved})
	f.gw.Notify("stranger", gateway.Notification{Type: "payment_intent.succeeded", Relevant: true, GatewayID: "pi_stranger"})

	out, err := f.listener.HandleGatewayNotification(ctx, []byte("stranger"), "valid")
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, "unknown payment", out.Reason)
	assert.Equal(t, 0, f.sold(t))
}

func TestBadSignatureChangesNothing(t *testing.T) {
	f := setup(t)
	payment := f.startHostedCheckout(t)
	ctx := context.Background()

	f.gw.SetPayment(gateway.Charge{SessionID: payment.SessionID, Status: models.PaymentApproved})
	f.gw.Notify("approved", gateway.Notification{Type: "checkout.session.completed", Relevant: true, SessionID: payment.SessionID})

	_, err := f.listener.HandleGatewayNotification(ctx, []byte("approved"), "forged")
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.HTTPStatus(err))

	got, err := f.payments.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.Status)
}

func TestIrrelevantEventsAreIgnored(t *testing.T) {
	f := setup(t)
	out, err := f.listener.HandleGatewayNotification(context.Background(), []byte("whatever"), "valid")
	require.NoError(t, err)
	assert.True(t, out.Ignored)
}

func TestCanonicalStateWinsOverNotificationType(t *testing.T) {
	f := setup(t)
	payment := f.startHostedCheckout(t)
	ctx := context.Background()

	// The delivery claims success, but the gateway says the session expired.
	f.gw.SetPayment(gateway.Charge{SessionID: payment.SessionID, Status: models.PaymentCancelled, StatusDetail: "session_expired"})
	f.gw.Notify("claims-success", gateway.Notification{Type: "checkout.session.async_payment_succeeded", Relevant: true, SessionID: payment.SessionID})

	out, err := f.listener.HandleGatewayNotification(ctx, []byte("claims-success"), "valid")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, out.Status)

	got, err := f.payments.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, got.Status)
	assert.Equal(t, 0, f.sold(t))
}

func TestDeclinedCheckoutAttemptCanStillSucceed(t *testing.T) {
	f := setup(t)
	payment := f.startHostedCheckout(t)
	ctx := context.Background()

	// The buyer's first card is declined on the hosted page; the intent is
	// left open for another card.
	f.gw.SetPayment(gateway.Charge{GatewayID: "pi_1", SessionID: payment.SessionID, PaymentID: payment.ID, Status: models.PaymentPending, StatusDetail: "card_declined"})
	f.gw.Notify("failed", gateway.Notification{EventID: "evt_1", Type: "payment_intent.payment_failed", Relevant: true, GatewayID: "pi_1", PaymentID: payment.ID})
	out, err := f.listener.HandleGatewayNotification(ctx, []byte("failed"), "valid")
	require.NoError(t, err)
	assert.False(t, out.Ignored)
	assert.Equal(t, models.PaymentPending, out.Status)

	got, err := f.payments.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.Status)
	assert.Equal(t, "pi_1", got.GatewayID)

	f.gw.SetPayment(gateway.Charge{GatewayID: "pi_1", SessionID: payment.SessionID, PaymentID: payment.ID, Status: models.PaymentApproved, StatusDetail: "succeeded"})
	f.gw.Notify("succeeded", gateway.Notification{EventID: "evt_2", Type: "payment_intent.succeeded", Relevant: true, GatewayID: "pi_1", PaymentID: payment.ID})
	out, err = f.listener.HandleGatewayNotification(ctx, []byte("succeeded"), "valid")
	require.NoError(t, err)
	assert.True(t, out.Changed)

	p, err := f.purchases.GetPurchase(ctx, f.purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, p.Status)
	assert.Equal(t, 2, f.sold(t))
	issued, err := f.tickets.ListByPurchase(ctx, f.purchase.ID)
	require.NoError(t, err)
	assert.Len(t, issued, 2)
}
