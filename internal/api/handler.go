package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/metrics"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/payment/services"
	"ms-fulfillment/internal/reconcile"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes    = 1 << 20
	maxWebhookBytes = 1 << 20
)

type PurchaseService interface {
	CreatePurchase(ctx context.Context, req models.PurchaseRequest) (*models.Purchase, error)
	GetPurchase(ctx context.Context, id string) (*models.PurchaseDetails, error)
	CancelPurchase(ctx context.Context, id, reason string) (*models.Purchase, error)
}

type PaymentService interface {
	InitiatePayment(ctx context.Context, req services.InitiatePaymentRequest) (*services.InitiatePaymentResult, error)
}

type NotificationHandler interface {
	HandleGatewayNotification(ctx context.Context, payload []byte, signature string) (*reconcile.Outcome, error)
}

type Resumer interface {
	Resume(ctx context.Context, purchaseID string) (*models.Purchase, error)
}

type TicketService interface {
	CheckIn(ctx context.Context, ticketID, operatorID string, code models.TicketCode) (*models.Ticket, error)
	RegenerateSecurityArtifacts(ctx context.Context, ticketID string) (*models.TicketArtifacts, error)
}

type AvailabilityReader interface {
	Availability(ctx context.Context, tierID string) (*models.Availability, error)
}

type Subscriber interface {
	SubscribeToPurchase(ctx context.Context, purchaseID string) <-chan models.PurchaseUpdate
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	Purchases    PurchaseService
	Payments     PaymentService
	Webhooks     NotificationHandler
	Fulfillment  Resumer
	Tickets      TicketService
	Inventory    AvailabilityReader
	Updates      Subscriber
	HealthChecks map[string]HealthCheck
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// Limiter throttles purchase and payment creation per client; nil disables it.
	Limiter *RateLimiter
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req models.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	purchase, err := h.Purchases.CreatePurchase(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, utils.SuccessResponse("Purchase created", purchase))
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	details, err := h.Purchases.GetPurchase(r.Context(), chi.URLParam(r, "purchaseID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Purchase retrieved", details))
}

func (h *Handler) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptionalJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	purchase, err := h.Purchases.CancelPurchase(r.Context(), chi.URLParam(r, "purchaseID"), body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Purchase cancelled", purchase))
}

// ResumePurchase lets operators push a paid purchase through confirmation.
func (h *Handler) ResumePurchase(w http.ResponseWriter, r *http.Request) {
	purchase, err := h.Fulfillment.Resume(r.Context(), chi.URLParam(r, "purchaseID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Purchase confirmation resumed", purchase))
}

// InitiatePayment starts a payment attempt. The Idempotency-Key header names
// the attempt: resending it returns the same payment.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req services.InitiatePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.AttemptKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	res, err := h.Payments.InitiatePayment(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status, message := http.StatusCreated, "Payment initiated"
	if res.Replayed {
		status, message = http.StatusOK, "Payment attempt already exists"
	}
	h.writeJSON(w, status, utils.SuccessResponse(message, res))
}

// GatewayWebhook acknowledges every authenticated delivery with 200 so the
// gateway stops retrying; only a bad signature is rejected.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		// A rejected delivery is retried until the gateway disables the
		// endpoint. The sweeper re-polls the payment instead.
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Notification over %d bytes dropped and acknowledged", tooLarge.Limit))
		h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Notification received", nil))
		return
	}
	if err != nil {
		h.writeError(w, r, apperrors.Validation("body", "could not read webhook payload"))
		return
	}

	outcome, err := h.Webhooks.HandleGatewayNotification(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if code := apperrors.CodeOf(err); code == apperrors.CodeValidation || code == apperrors.CodeUnauthorized {
			h.writeError(w, r, err)
			return
		}
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Notification processing failed, acknowledging anyway: %v", err))
		h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Notification received", nil))
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Notification processed", outcome))
}

func (h *Handler) CheckInTicket(w http.ResponseWriter, r *http.Request) {
	var req models.CheckInRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ticket, err := h.Tickets.CheckIn(r.Context(), chi.URLParam(r, "ticketID"), req.OperatorID, req.TicketCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Ticket checked in", ticket))
}

func (h *Handler) RegenerateTicket(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.Tickets.RegenerateSecurityArtifacts(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Ticket artifacts regenerated", artifacts))
}

func (h *Handler) TierAvailability(w http.ResponseWriter, r *http.Request) {
	availability, err := h.Inventory.Availability(r.Context(), chi.URLParam(r, "tierID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Tier availability", availability))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.HealthChecks))
	healthy := true
	for name, check := range h.HealthChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	if !healthy {
		h.Logger.Warn("HEALTH", fmt.Sprintf("Health check failed: %v", checks))
		h.writeJSON(w, http.StatusServiceUnavailable, utils.APIResponse{
			Message:   "Service degraded",
			Data:      checks,
			Timestamp: time.Now().UTC(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Service healthy", checks))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body utils.APIResponse) {
	if err := utils.WriteJSON(w, status, body); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Failed to encode response: %v", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	} else {
		h.Logger.Warn("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	}
	h.writeJSON(w, status, utils.ErrorResponse("Request failed", err))
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("body", "request body is required")
		}
		return apperrors.Wrap(apperrors.CodeValidation, err, "request body is not valid JSON")
	}
	return nil
}

func decodeOptionalJSON(r *http.Request, v interface{}) error {
	err := decodeJSON(r, v)
	if appErr, ok := apperrors.As(err); ok && appErr.Field == "body" {
		return nil
	}
	return err
}
