package sweeper

import (
	"context"
	"testing"
	"time"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/database/dbtest"
	"ms-fulfillment/internal/fulfillment"
	"ms-fulfillment/internal/gateway"
	"ms-fulfillment/internal/gateway/gatewaytest"
	"ms-fulfillment/internal/inventory"
	inventorydb "ms-fulfillment/internal/inventory/db"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/metrics"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notify"
	"ms-fulfillment/internal/payment/services"
	"ms-fulfillment/internal/payment/storage"
	purchasedb "ms-fulfillment/internal/purchase/db"
	"ms-fulfillment/internal/redis"
	"ms-fulfillment/internal/sse"
	ticketdb "ms-fulfillment/internal/tickets/db"
	qr "ms-fulfillment/internal/tickets/qr_generator"
	tickets "ms-fulfillment/internal/tickets/service"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type recorder struct {
	types []string
}

func (r *recorder) Publish(_ context.Context, topic, _ string, _ []byte) error {
	r.types = append(r.types, topic)
	return nil
}

type fixture struct {
	db        *bun.DB
	cat       dbtest.Catalog
	purchases *purchasedb.DB
	tickets   *tickets.TicketService
	payments  *storage.BunStore
	confirmer *fulfillment.Service
	sweeper   *Sweeper
	events    *recorder
	emitter   *sse.PurchaseEventEmitter
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	log := logger.NewTestLogger(nil)

	f := &fixture{
		db:        db,
		cat:       dbtest.SeedCatalog(t, db, dbtest.TierSpec{Capacity: 10, Price: 3000}),
		purchases: &purchasedb.DB{Bun: db},
		tickets:   tickets.NewTicketService(&ticketdb.DB{Bun: db}, qr.NewQRGenerator("secret"), log),
		payments:  storage.NewBunStore(db, log),
		events:    &recorder{},
		emitter:   sse.NewPurchaseEventEmitter(),
	}
	f.confirmer = fulfillment.NewService(
		f.purchases,
		inventory.NewLedger(&inventorydb.DB{Bun: db}, log),
		f.tickets,
		&notify.LogDispatcher{Logger: log},
		f.payments,
		config.OversellAlert,
		log,
	)
	cfg := config.FulfillmentConfig{
		PendingTimeout: 30 * time.Minute,
		SweepInterval:  10 * time.Millisecond,
		ResumeAfter:    2 * time.Minute,
	}
	f.sweeper = New(f.purchases, f.confirmer, cfg, log)
	f.sweeper.Events = kafka.NewEventPublisher(f.events, config.TopicConfig{PurchaseEvents: "purchases"}, log)
	f.sweeper.Emitter = f.emitter
	// Everything seeded by the test looks an hour old to the sweeper.
	f.sweeper.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	return f
}

func (f *fixture) purchase(t *testing.T) *models.Purchase {
	return dbtest.SeedPurchase(t, f.db, f.cat, dbtest.Line(f.cat.Tiers[0], 2))
}

func (f *fixture) pay(t *testing.T, purchaseID string, status models.PaymentStatus) {
	t.Helper()
	f.payWithIntent(t, purchaseID, status, "")
}

func (f *fixture) payWithIntent(t *testing.T, purchaseID string, status models.PaymentStatus, gatewayID string) {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := f.db.NewInsert().Model(&models.Payment{
		ID:             id,
		PurchaseID:     purchaseID,
		AttemptKey:     id,
		IdempotencyKey: "pay_" + id,
		GatewayID:      gatewayID,
		Amount:         6000,
		Currency:       "usd",
		Method:         models.MethodCard,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}).Exec(context.Background())
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, id string) models.PurchaseStatus {
	t.Helper()
	p, err := f.purchases.GetPurchase(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func TestSweepExpiresOnlyUnpaidPurchases(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unpaid := f.purchase(t)
	processing := f.purchase(t)
	f.pay(t, processing.ID, models.PaymentInProcess)

	updates := f.emitter.SubscribeToPurchase(ctx, unpaid.ID)

	stats, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	assert.Equal(t, models.PurchaseFailed, f.status(t, unpaid.ID))
	assert.Equal(t, models.PurchasePending, f.status(t, processing.ID))
	assert.Equal(t, []string{"purchases"}, f.events.types)

	select {
	case u := <-updates:
		assert.Equal(t, models.PurchaseFailed, u.Status)
		assert.Equal(t, "expired", u.Reason)
	case <-time.After(time.Second):
		t.Fatal("no update emitted")
	}

	stats, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Expired)
}

func TestSweepConfirmsPaidPurchaseThatNeverStarted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := f.purchase(t)
	f.pay(t, p.ID, models.PaymentApproved)

	stats, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resumed)
	assert.Zero(t, stats.Expired)

	assert.Equal(t, models.PurchaseCompleted, f.status(t, p.ID))
	issued, err := f.tickets.ListByPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, issued, 2)
}

func TestSweepFinishesStalledConfirmation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := f.purchase(t)
	f.pay(t, p.ID, models.PaymentApproved)
	_, err := f.purchases.MarkConfirmationStarted(ctx, p.ID, time.Now().UTC())
	require.NoError(t, err)

	stats, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resumed)

	got, err := f.purchases.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, got.Status)
	assert.False(t, got.NotifiedAt.IsZero())

	stats, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Resumed, "notified purchases are done")
}

// enablePolling wires the re-poll pass against a fake gateway.
func (f *fixture) enablePolling(t *testing.T) *gatewaytest.Fake {
	t.Helper()
	gw := gatewaytest.New()
	log := logger.NewTestLogger(nil)
	f.sweeper.Payments = f.payments
	f.sweeper.Gateway = gw
	f.sweeper.Applier = services.NewOrchestrator(f.payments, f.purchases, gw, f.confirmer, time.Second, log)
	return gw
}

func TestSweepPollsPaymentTheWebhookMissed(t *testing.T) {
	f := setup(t)
	gw := f.enablePolling(t)
	ctx := context.Background()

	p := f.purchase(t)
	f.payWithIntent(t, p.ID, models.PaymentPending, "pi_late")
	gw.SetPayment(gateway.Charge{GatewayID: "pi_late", Status: models.PaymentApproved, StatusDetail: "succeeded"})

	stats, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)
	assert.Zero(t, stats.Expired)

	assert.Equal(t, models.PurchaseCompleted, f.status(t, p.ID))
	issued, err := f.tickets.ListByPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, issued, 2)

	stats, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Settled)
	assert.Zero(t, stats.Resumed)
}

func TestSweepDefersExpiryWhileGatewayUnreachable(t *testing.T) {
	f := setup(t)
	gw := f.enablePolling(t)
	ctx := context.Background()

	p := f.purchase(t)
	f.payWithIntent(t, p.ID, models.PaymentPending, "pi_unknown")

	stats, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Expired)
	assert.Equal(t, models.PurchasePending, f.status(t, p.ID))

	gw.SetPayment(gateway.Charge{GatewayID: "pi_unknown", Status: models.PaymentRejected, StatusDetail: "expired"})
	stats, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, models.PurchaseFailed, f.status(t, p.ID))
}

func TestCycleSkipsWhileAnotherReplicaSweeps(t *testing.T) {
	f := setup(t)
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	leases := redis.NewRedis(client, time.Minute, logger.NewTestLogger(nil))
	f.sweeper.Leases = leases
	reg := prometheus.NewRegistry()
	f.sweeper.Metrics = metrics.New(reg)

	p := f.purchase(t)
	ctx := context.Background()

	token, ok, err := leases.Acquire(ctx, redis.SweepKey)
	require.NoError(t, err)
	require.True(t, ok)

	f.sweeper.runCycle(ctx)
	assert.Equal(t, models.PurchasePending, f.status(t, p.ID))

	require.NoError(t, leases.Release(ctx, redis.SweepKey, token))
	f.sweeper.runCycle(ctx)
	assert.Equal(t, models.PurchaseFailed, f.status(t, p.ID))

	held, err := leases.IsHeld(ctx, redis.SweepKey)
	require.NoError(t, err)
	assert.False(t, held, "lease is released after the cycle")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		switch mf.GetName() {
		case "fulfillment_sweep_duration_seconds":
			assert.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount(), "skipped cycle is not observed")
		case "fulfillment_sweep_purchases_total":
			for _, m := range mf.GetMetric() {
				if m.GetLabel()[0].GetValue() == "expired" {
					assert.Equal(t, 1.0, m.GetCounter().GetValue())
				}
			}
		}
	}
}

func TestRunStopsWithContext(t *testing.T) {
	f := setup(t)
	p := f.purchase(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.status(t, p.ID) == models.PurchaseFailed
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
