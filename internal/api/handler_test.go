package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/database/dbtest"
	"ms-fulfillment/internal/fulfillment"
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
	"ms-fulfillment/internal/purchase"
	purchasedb "ms-fulfillment/internal/purchase/db"
	"ms-fulfillment/internal/reconcile"
	"ms-fulfillment/internal/sse"
	ticketdb "ms-fulfillment/internal/tickets/db"
	qr "ms-fulfillment/internal/tickets/qr_generator"
	tickets "ms-fulfillment/internal/tickets/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Field     string `json:"field"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

type fixture struct {
	server    *httptest.Server
	handler   *Handler
	cat       dbtest.Catalog
	gw        *gatewaytest.Fake
	purchases *purchase.PurchaseService
	registry  *prometheus.Registry
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	log := logger.NewTestLogger(nil)
	cat := dbtest.SeedCatalog(t, db, dbtest.TierSpec{Name: "General", Capacity: 5, Price: 2000})

	emitter := sse.NewPurchaseEventEmitter()
	payments := storage.NewBunStore(db, log)
	purchaseDB := &purchasedb.DB{Bun: db}
	ticketService := tickets.NewTicketService(&ticketdb.DB{Bun: db}, qr.NewQRGenerator("secret"), log)
	ledger := inventory.NewLedger(&inventorydb.DB{Bun: db}, log)
	gw := gatewaytest.New()

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	events := kafka.NopEventPublisher(log)
	events.Metrics = collector

	purchases := purchase.NewPurchaseService(purchaseDB, payments, ticketService, "usd", 10, log)
	purchases.Emitter = emitter
	purchases.Events = events
	confirmer := fulfillment.NewService(purchaseDB, ledger, ticketService, &notify.LogDispatcher{Logger: log}, payments, config.OversellAlert, log)
	confirmer.Emitter = emitter
	orchestrator := services.NewOrchestrator(payments, purchaseDB, gw, confirmer, time.Second, log)

	h := &Handler{
		Purchases:   purchases,
		Payments:    orchestrator,
		Webhooks:    reconcile.NewListener(gw, payments, orchestrator, log),
		Fulfillment: confirmer,
		Tickets:     ticketService,
		Inventory:   ledger,
		Updates:     emitter,
		HealthChecks: map[string]HealthCheck{
			"database": func(ctx context.Context) error { return db.PingContext(ctx) },
			"payments": payments.HealthCheck,
		},
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Metrics:        collector,
		Logger:         log,
	}
	server := httptest.NewServer(NewRouter(h))
	t.Cleanup(server.Close)
	return &fixture{server: server, handler: h, cat: cat, gw: gw, purchases: purchases, registry: registry}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (f *fixture) createPurchase(t *testing.T, qty int) models.Purchase {
	t.Helper()
	status, env := f.do(t, http.MethodPost, "/purchases", models.PurchaseRequest{
		TenantID: f.cat.Tenant.ID,
		EventID:  f.cat.Event.ID,
		Buyer:    models.Buyer{Name: "Alan Turing", Email: "alan@example.com"},
		Items:    []models.PurchaseRequestItem{{TierID: f.cat.Tiers[0].ID, Quantity: qty}},
	})
	require.Equal(t, http.StatusCreated, status, env.Message)
	var p models.Purchase
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func cardPayment(purchaseID string) services.InitiatePaymentRequest {
	return services.InitiatePaymentRequest{
		PurchaseID: purchaseID,
		Method:     models.PaymentMethod{Kind: models.MethodCard, Card: &models.CardMethod{InstrumentToken: "tok_visa"}},
	}
}

func (f *fixture) details(t *testing.T, id string) models.PurchaseDetails {
	t.Helper()
	status, env := f.do(t, http.MethodGet, "/purchases/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	var d models.PurchaseDetails
	require.NoError(t, json.Unmarshal(env.Data, &d))
	return d
}

func TestPurchaseToCheckIn(t *testing.T) {
	f := setup(t)
	p := f.createPurchase(t, 2)
	assert.Equal(t, models.PurchasePending, p.Status)
	assert.Equal(t, int64(4000), p.Total)

	status, env := f.do(t, http.MethodPost, "/payments", cardPayment(p.ID), "Idempotency-Key", "attempt-1")
	require.Equal(t, http.StatusCreated, status, env.Message)
	var res services.InitiatePaymentResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, models.PaymentApproved, res.Payment.Status)

	status, env = f.do(t, http.MethodPost, "/payments", cardPayment(p.ID), "Idempotency-Key", "attempt-1")
	require.Equal(t, http.StatusOK, status)
	var replay services.InitiatePaymentResult
	require.NoError(t, json.Unmarshal(env.Data, &replay))
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Payment.ID, replay.Payment.ID)
	assert.Equal(t, 1, f.gw.RequestCount())

	d := f.details(t, p.ID)
	assert.Equal(t, models.PurchaseCompleted, d.Purchase.Status)
	require.Len(t, d.Tickets, 2)
	require.Len(t, d.Payments, 1)

	ticket := d.Tickets[0]
	checkIn := models.CheckInRequest{
		OperatorID: "gate-1",
		TicketCode: models.TicketCode{TicketNumber: ticket.TicketNumber, SecurityHash: ticket.SecurityHash},
	}
	status, _ = f.do(t, http.MethodPost, "/tickets/"+ticket.ID+"/check-in", checkIn)
	assert.Equal(t, http.StatusOK, status)

	status, env = f.do(t, http.MethodPost, "/tickets/"+ticket.ID+"/check-in", checkIn)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", env.Error.Code)

	forged := checkIn
	forged.SecurityHash = strings.Repeat("0", len(ticket.SecurityHash))
	status, _ = f.do(t, http.MethodPost, "/tickets/"+d.Tickets[1].ID+"/check-in", forged)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env = f.do(t, http.MethodPost, "/tickets/"+d.Tickets[1].ID+"/regenerate", nil)
	require.Equal(t, http.StatusOK, status)
	var artifacts models.TicketArtifacts
	require.NoError(t, json.Unmarshal(env.Data, &artifacts))
	assert.Equal(t, d.Tickets[1].SecurityHash, artifacts.Ticket.SecurityHash)
	assert.NotEmpty(t, artifacts.QRCode)

	status, env = f.do(t, http.MethodGet, "/tiers/"+f.cat.Tiers[0].ID+"/availability", nil)
	require.Equal(t, http.StatusOK, status)
	var availability models.Availability
	require.NoError(t, json.Unmarshal(env.Data, &availability))
	assert.Equal(t, 2, availability.Sold)
	assert.Equal(t, 3, availability.Available)
}

func TestErrorsUseEnvelope(t *testing.T) {
	f := setup(t)

	status, env := f.do(t, http.MethodPost, "/purchases", `{"tenant_id":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, env.Success)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	status, env = f.do(t, http.MethodPost, "/purchases", models.PurchaseRequest{TenantID: f.cat.Tenant.ID, EventID: f.cat.Event.ID})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "buyer.name", env.Error.Field)

	status, env = f.do(t, http.MethodGet, "/purchases/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	status, env = f.do(t, http.MethodGet, "/tiers/missing/availability", nil)
	assert.Equal(t, http.StatusNotFound, status)

	p := f.createPurchase(t, 1)
	unsupported := services.InitiatePaymentRequest{PurchaseID: p.ID, Method: models.PaymentMethod{Kind: "crypto"}}
	status, env = f.do(t, http.MethodPost, "/payments", unsupported)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "method.type", env.Error.Field)
	assert.Zero(t, f.gw.RequestCount())
}

func TestGatewayFailureIsRetryable(t *testing.T) {
	f := setup(t)
	p := f.createPurchase(t, 1)
	f.gw.NextErr = errors.New("connection reset")

	status, env := f.do(t, http.MethodPost, "/payments", cardPayment(p.ID))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "GATEWAY_ERROR", env.Error.Code)
	assert.True(t, env.Error.Retryable)
	assert.NotContains(t, env.Error.Message, "connection reset")
}

func TestWebhookAcknowledgesUnlessSignatureIsBad(t *testing.T) {
	f := setup(t)

	status, env := f.do(t, http.MethodPost, "/payments/webhook", `{"id":"evt_1"}`, "Stripe-Signature", "forged")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, env.Success)

	status, env = f.do(t, http.MethodPost, "/payments/webhook", `{"id":"evt_2"}`, "Stripe-Signature", "valid")
	assert.Equal(t, http.StatusOK, status)
	var outcome reconcile.Outcome
	require.NoError(t, json.Unmarshal(env.Data, &outcome))
	assert.True(t, outcome.Ignored)
}

func TestLargeWebhookPayloads(t *testing.T) {
	f := setup(t)

	// Checkout sessions with expanded line items run well past 64 KiB.
	big := `{"id":"evt_big","pad":"` + strings.Repeat("x", 200<<10) + `"}`
	status, env := f.do(t, http.MethodPost, "/payments/webhook", big, "Stripe-Signature", "valid")
	assert.Equal(t, http.StatusOK, status)
	var outcome reconcile.Outcome
	require.NoError(t, json.Unmarshal(env.Data, &outcome))
	assert.True(t, outcome.Ignored, "parsed and handled like any other delivery")

	huge := strings.Repeat("x", maxWebhookBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(huge))
	req.Header.Set("Stripe-Signature", "valid")
	rec := httptest.NewRecorder()
	f.handler.GatewayWebhook(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "oversized deliveries are acknowledged, not retried forever")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
}

func TestCancelAndResume(t *testing.T) {
	f := setup(t)
	p := f.createPurchase(t, 1)

	status, env := f.do(t, http.MethodPost, "/purchases/"+p.ID+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, status, "unpaid purchases are not confirmed")
	assert.Equal(t, "CONFLICT", env.Error.Code)

	status, env = f.do(t, http.MethodPost, "/purchases/"+p.ID+"/cancel", map[string]string{"reason": "changed mind"})
	require.Equal(t, http.StatusOK, status)
	var cancelled models.Purchase
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.Equal(t, models.PurchaseCancelled, cancelled.Status)
	assert.Equal(t, "changed mind", cancelled.CancelReason)

	status, _ = f.do(t, http.MethodPost, "/purchases/"+p.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestHealth(t *testing.T) {
	f := setup(t)

	status, env := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	f.handler.HealthChecks["redis"] = func(context.Context) error { return errors.New("dial tcp: refused") }
	status, env = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	var checks map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &checks))
	assert.Equal(t, "ok", checks["database"])
	assert.Contains(t, checks["redis"], "refused")
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t)
	f.createPurchase(t, 1)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body strings.Builder
	_, err = bufio.NewReader(resp.Body).WriteTo(&body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `fulfillment_lifecycle_events_total{type="purchase.created"} 1`)
	assert.Regexp(t, `fulfillment_http_request_duration_seconds_count\{method="POST",route="/purchases/?",status="201"\} 1`, body.String())
}

func TestPurchaseEventsStream(t *testing.T) {
	f := setup(t)
	p := f.createPurchase(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/purchases/"+p.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := make(chan models.PurchaseUpdate, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var u models.PurchaseUpdate
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &u) == nil {
				events <- u
			}
		}
		close(events)
	}()

	first := <-events
	assert.Equal(t, models.PurchasePending, first.Status)

	status, _ := f.do(t, http.MethodPost, "/payments", cardPayment(p.ID))
	require.Equal(t, http.StatusCreated, status)

	select {
	case u, ok := <-events:
		require.True(t, ok, "stream closed early")
		assert.Equal(t, models.PurchaseCompleted, u.Status)
	case <-ctx.Done():
		t.Fatalf("no completion event: %v", ctx.Err())
	}
}

func TestPurchaseEventsUnknownPurchase(t *testing.T) {
	f := setup(t)
	status, env := f.do(t, http.MethodGet, "/purchases/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}
