package models

import (
	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/validation"
)

type PaymentMethodKind string

const (
	MethodCard           PaymentMethodKind = "card"
	MethodHostedCheckout PaymentMethodKind = "hosted_checkout"
	MethodBankRedirect   PaymentMethodKind = "bank_redirect"
	MethodCashVoucher    PaymentMethodKind = "cash_voucher"
)

// PaymentMethod is a tagged union: Kind selects which variant must be set.
type PaymentMethod struct {
	Kind           PaymentMethodKind     `json:"type"`
	Card           *CardMethod           `json:"card,omitempty"`
	HostedCheckout *HostedCheckoutMethod `json:"hosted_checkout,omitempty"`
	BankRedirect   *BankRedirectMethod   `json:"bank_redirect,omitempty"`
	CashVoucher    *CashVoucherMethod    `json:"cash_voucher,omitempty"`
}

// CardMethod charges a tokenized instrument directly.
type CardMethod struct {
	InstrumentToken string `json:"instrument_token" validate:"notblank"`
}

type HostedCheckoutMethod struct {
	SuccessURL string `json:"success_url,omitempty" validate:"omitempty,http_url"`
	CancelURL  string `json:"cancel_url,omitempty" validate:"omitempty,http_url"`
}

type BankRedirectMethod struct {
	Bank      string `json:"bank" validate:"notblank"`
	PayerIP   string `json:"payer_ip" validate:"required,ip"`
	ReturnURL string `json:"return_url,omitempty" validate:"omitempty,http_url"`
}

type CashVoucherMethod struct {
	DocumentID string `json:"document_id" validate:"notblank"`
}

// Validate checks the variant and its mandatory fields. It never touches state.
func (m PaymentMethod) Validate() error {
	switch m.Kind {
	case MethodCard:
		if m.Card == nil {
			return apperrors.Validation("method.card.instrument_token", "card payments require an instrument token")
		}
		return validation.Struct("method.card", m.Card)
	case MethodHostedCheckout:
		if m.HostedCheckout == nil {
			return nil
		}
		return validation.Struct("method.hosted_checkout", m.HostedCheckout)
	case MethodBankRedirect:
		if m.BankRedirect == nil {
			return apperrors.Validation("method.bank_redirect.bank", "bank redirect payments require a bank")
		}
		return validation.Struct("method.bank_redirect", m.BankRedirect)
	case MethodCashVoucher:
		if m.CashVoucher == nil {
			return apperrors.Validation("method.cash_voucher.document_id", "cash voucher payments require a document id")
		}
		return validation.Struct("method.cash_voucher", m.CashVoucher)
	case "":
		return apperrors.Validation("method.type", "payment method is required")
	default:
		return apperrors.Validation("method.type", "unsupported payment method "+string(m.Kind))
	}
}

// Redirects reports whether the buyer leaves the site to finish paying.
func (m PaymentMethod) Redirects() bool {
	return m.Kind == MethodHostedCheckout || m.Kind == MethodBankRedirect || m.Kind == MethodCashVoucher
}
