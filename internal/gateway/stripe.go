package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type sessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGateway implements Gateway with PaymentIntents for direct charges and
// Checkout Sessions for the hosted page.
type StripeGateway struct {
	intents       intentAPI
	sessions      sessionAPI
	webhookSecret string
	cfg           config.StripeConfig
	log           *logger.Logger
}

func NewStripeGateway(cfg config.StripeConfig, log *logger.Logger) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY not set")
		return nil, ErrStripeClientInitFailed
	}
	sc := client.New(cfg.SecretKey, nil)
	if sc == nil {
		return nil, ErrStripeClientInitFailed
	}
	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeGateway{
		intents:       sc.PaymentIntents,
		sessions:      sc.CheckoutSessions,
		webhookSecret: cfg.WebhookSecret,
		cfg:           cfg,
		log:           log,
	}, nil
}

func metadata(req ChargeRequest) map[string]string {
	return map[string]string{
		"payment_id":  req.PaymentID,
		"purchase_id": req.PurchaseID,
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req ChargeRequest) (*Charge, error) {
	successURL, cancelURL := g.cfg.SuccessURL, g.cfg.CancelURL
	if hc := req.Method.HostedCheckout; hc != nil {
		if hc.SuccessURL != "" {
			successURL = hc.SuccessURL
		}
		if hc.CancelURL != "" {
			cancelURL = hc.CancelURL
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(req.PurchaseID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		Metadata: metadata(req),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata(req),
		},
	}
	if req.BuyerEmail != "" {
		params.CustomerEmail = stripe.String(req.BuyerEmail)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	s, err := g.sessions.New(params)
	if err != nil {
		g.log.Error("STRIPE", fmt.Sprintf("Failed to create checkout session for payment %s: %v", req.PaymentID, err))
		return nil, err
	}
	g.log.LogPayment("SESSION", req.PaymentID, fmt.Sprintf("Checkout session %s created", s.ID))
	return g.chargeFromSession(s), nil
}

func (g *StripeGateway) ChargeDirect(ctx context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
		Confirm:     stripe.Bool(true),
		Metadata:    metadata(req),
	}

	switch req.Method.Kind {
	case models.MethodCard:
		params.PaymentMethod = stripe.String(req.Method.Card.InstrumentToken)
		params.PaymentMethodTypes = []*string{stripe.String("card")}

	case models.MethodBankRedirect:
		br := req.Method.BankRedirect
		returnURL := br.ReturnURL
		if returnURL == "" {
			returnURL = g.cfg.ReturnURL
		}
		params.PaymentMethodTypes = []*string{stripe.String("ideal")}
		params.PaymentMethodData = &stripe.PaymentIntentPaymentMethodDataParams{
			Type:  stripe.String("ideal"),
			IDEAL: &stripe.PaymentMethodIDEALParams{Bank: stripe.String(br.Bank)},
		}
		params.ReturnURL = stripe.String(returnURL)
		params.Metadata["payer_ip"] = br.PayerIP

	case models.MethodCashVoucher:
		params.PaymentMethodTypes = []*string{stripe.String("boleto")}
		params.PaymentMethodData = &stripe.PaymentIntentPaymentMethodDataParams{
			Type:   stripe.String("boleto"),
			Boleto: &stripe.PaymentMethodBoletoParams{TaxID: stripe.String(req.Method.CashVoucher.DocumentID)},
			BillingDetails: &stripe.PaymentIntentPaymentMethodDataBillingDetailsParams{
				Name:  stripe.String(req.BuyerName),
				Email: stripe.String(req.BuyerEmail),
			},
		}

	default:
		return nil, fmt.Errorf("method %q is not a direct charge", req.Method.Kind)
	}

	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			declined := &Charge{
				PaymentID:    req.PaymentID,
				PurchaseID:   req.PurchaseID,
				Status:       models.PaymentRejected,
				StatusDetail: string(stripeErr.Code),
			}
			if stripeErr.PaymentIntent != nil {
				declined.GatewayID = stripeErr.PaymentIntent.ID
			}
			g.log.LogPayment("DECLINED", req.PaymentID, stripeErr.Msg)
			return nil, &DeclinedError{Charge: declined, Reason: stripeErr.Msg}
		}
		g.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent for payment %s: %v", req.PaymentID, err))
		return nil, err
	}

	g.log.LogPayment("INTENT", req.PaymentID, fmt.Sprintf("Payment intent %s is %s", pi.ID, pi.Status))
	return chargeFromIntent(pi), nil
}

// GetPayment fetches the canonical state. A session that already produced a
// payment intent is resolved through the intent.
func (g *StripeGateway) GetPayment(ctx context.Context, ref PaymentRef) (*Charge, error) {
	if ref.GatewayID != "" {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := g.intents.Get(ref.GatewayID, params)
		if err != nil {
			return nil, err
		}
		return chargeFromIntent(pi), nil
	}
	if ref.SessionID == "" {
		return nil, errors.New("payment reference is empty")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	s, err := g.sessions.Get(ref.SessionID, params)
	if err != nil {
		return nil, err
	}
	return g.chargeFromSession(s), nil
}

func (g *StripeGateway) ParseNotification(payload []byte, signature string) (*Notification, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret is not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		g.log.LogSecurity("WEBHOOK_SIGNATURE", err.Error())
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	n := &Notification{EventID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return n, nil
	}

	switch {
	case isIntentEvent(n.Type):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		n.Relevant = pi.ID != ""
		n.GatewayID = pi.ID
		n.PaymentID = pi.Metadata["payment_id"]

	case isSessionEvent(n.Type):
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		n.Relevant = s.ID != ""
		n.SessionID = s.ID
		if s.PaymentIntent != nil {
			n.GatewayID = s.PaymentIntent.ID
		}
		n.PaymentID = s.Metadata["payment_id"]
	}
	return n, nil
}

func isIntentEvent(t string) bool {
	return strings.HasPrefix(t, "payment_intent.")
}

func isSessionEvent(t string) bool {
	switch stripe.EventType(t) {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
		return true
	}
	return false
}

func chargeFromIntent(pi *stripe.PaymentIntent) *Charge {
	status, detail := MapIntentStatus(pi)
	c := &Charge{
		GatewayID:    pi.ID,
		PaymentID:    pi.Metadata["payment_id"],
		PurchaseID:   pi.Metadata["purchase_id"],
		Status:       status,
		StatusDetail: detail,
		RedirectURL:  redirectURL(pi),
	}
	if raw, err := json.Marshal(pi); err == nil {
		c.Raw = string(raw)
	}
	return c
}

func (g *StripeGateway) chargeFromSession(s *stripe.CheckoutSession) *Charge {
	if s.PaymentIntent != nil && s.PaymentIntent.Status != "" {
		c := chargeFromIntent(s.PaymentIntent)
		c.SessionID = s.ID
		if c.RedirectURL == "" {
			c.RedirectURL = s.URL
		}
		return c
	}

	c := &Charge{
		SessionID:   s.ID,
		PaymentID:   s.Metadata["payment_id"],
		PurchaseID:  s.Metadata["purchase_id"],
		RedirectURL: s.URL,
	}
	if s.PaymentIntent != nil {
		c.GatewayID = s.PaymentIntent.ID
	}
	switch {
	case s.Status == stripe.CheckoutSessionStatusExpired:
		c.Status, c.StatusDetail = models.PaymentCancelled, "session_expired"
	case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		c.Status, c.StatusDetail = models.PaymentApproved, "paid"
	case s.Status == stripe.CheckoutSessionStatusComplete:
		c.Status, c.StatusDetail = models.PaymentInProcess, "awaiting_async_payment"
	default:
		c.Status, c.StatusDetail = models.PaymentPending, "awaiting_buyer"
	}
	if raw, err := json.Marshal(s); err == nil {
		c.Raw = string(raw)
	}
	return c
}

// MapIntentStatus translates a PaymentIntent into a payment status and a
// short detail string.
func MapIntentStatus(pi *stripe.PaymentIntent) (models.PaymentStatus, string) {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.PaymentApproved, "succeeded"
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return models.PaymentInProcess, string(pi.Status)
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentCancelled, string(pi.CancellationReason)
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// A failed attempt leaves the intent open for another payment
		// method, so it is not final.
		if pi.LastPaymentError != nil {
			detail := string(pi.LastPaymentError.Code)
			if detail == "" {
				detail = pi.LastPaymentError.Msg
			}
			return models.PaymentPending, detail
		}
		return models.PaymentPending, string(pi.Status)
	default:
		return models.PaymentPending, string(pi.Status)
	}
}

func redirectURL(pi *stripe.PaymentIntent) string {
	if pi.NextAction == nil {
		return ""
	}
	if pi.NextAction.RedirectToURL != nil {
		return pi.NextAction.RedirectToURL.URL
	}
	if pi.NextAction.BoletoDisplayDetails != nil {
		return pi.NextAction.BoletoDisplayDetails.HostedVoucherURL
	}
	return ""
}
