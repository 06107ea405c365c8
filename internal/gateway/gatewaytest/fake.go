// Package gatewaytest provides an in-memory Gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ms-fulfillment/internal/gateway"
	"ms-fulfillment/internal/models"
)

// Fake records requests and serves canned payments. Signatures are valid when
// they equal ValidSignature; the payload is then looked up in Notifications.
type Fake struct {
	mu sync.Mutex

	// NextStatus is the status returned by the next charge or session.
	NextStatus     models.PaymentStatus
	NextErr        error
	Declines       bool
	RedirectURL    string
	Requests       []gateway.ChargeRequest
	Payments       map[string]*gateway.Charge // by gateway id or session id
	Notifications  map[string]*gateway.Notification
	ValidSignature string

	seq int
}

func New() *Fake {
	return &Fake{
		NextStatus:     models.PaymentApproved,
		Payments:       make(map[string]*gateway.Charge),
		Notifications:  make(map[string]*gateway.Notification),
		ValidSignature: "valid",
	}
}

func (f *Fake) CreateCheckoutSession(_ context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.NextErr != nil {
		return nil, f.NextErr
	}
	f.seq++
	c := &gateway.Charge{
		SessionID:   fmt.Sprintf("cs_%d", f.seq),
		PaymentID:   req.PaymentID,
		PurchaseID:  req.PurchaseID,
		Status:      models.PaymentPending,
		RedirectURL: "https://checkout.example/" + req.PaymentID,
	}
	f.Payments[c.SessionID] = c
	return c, nil
}

func (f *Fake) ChargeDirect(_ context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.NextErr != nil {
		return nil, f.NextErr
	}
	f.seq++
	c := &gateway.Charge{
		GatewayID:   fmt.Sprintf("pi_%d", f.seq),
		PaymentID:   req.PaymentID,
		PurchaseID:  req.PurchaseID,
		Status:      f.NextStatus,
		RedirectURL: f.RedirectURL,
		Raw:         `{"fake":true}`,
	}
	if f.Declines {
		c.Status = models.PaymentRejected
		c.StatusDetail = "card_declined"
		f.Payments[c.GatewayID] = c
		return nil, &gateway.DeclinedError{Charge: c, Reason: "card_declined"}
	}
	f.Payments[c.GatewayID] = c
	return c, nil
}

func (f *Fake) GetPayment(_ context.Context, ref gateway.PaymentRef) (*gateway.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.Payments[ref.GatewayID]; ok && ref.GatewayID != "" {
		cp := *c
		return &cp, nil
	}
	if c, ok := f.Payments[ref.SessionID]; ok && ref.SessionID != "" {
		cp := *c
		return &cp, nil
	}
	return nil, errors.New("no such payment")
}

func (f *Fake) ParseNotification(payload []byte, signature string) (*gateway.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if signature != f.ValidSignature {
		return nil, gateway.ErrInvalidSignature
	}
	if n, ok := f.Notifications[string(payload)]; ok {
		cp := *n
		return &cp, nil
	}
	return &gateway.Notification{Type: "unknown"}, nil
}

// SetPayment replaces the canonical state the gateway reports for a payment.
func (f *Fake) SetPayment(c gateway.Charge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.GatewayID != "" {
		f.Payments[c.GatewayID] = &c
	}
	if c.SessionID != "" {
		f.Payments[c.SessionID] = &c
	}
}

// Notify registers the notification returned for payload.
func (f *Fake) Notify(payload string, n gateway.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notifications[payload] = &n
}

func (f *Fake) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
