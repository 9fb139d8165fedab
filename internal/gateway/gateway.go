// Package gateway wraps the external payment provider behind a minimal
// checkout-session interface. Everything provider-specific stays in here;
// the lifecycle service only sees the local types.
package gateway

import (
	"context"
	"errors"
)

// ErrUnavailable wraps any failure talking to the payment provider. The
// caller reports it generically (detail is logged server-side) and the
// client may retry: confirmation is idempotent.
var ErrUnavailable = errors.New("payment gateway unavailable")

// SessionParams describes a checkout session to create. Metadata is opaque
// to the provider and echoed back unmodified on retrieval.
type SessionParams struct {
	AmountMinor        int64
	Currency           string
	ProductName        string
	ProductDescription string
	CustomerEmail      string
	ReturnURL          string
	Metadata           map[string]string
}

// Session is a freshly created checkout session. ClientSecret is the
// client-side continuation token for completing payment externally.
type Session struct {
	ID           string
	ClientSecret string
}

// PaymentResult is the outcome of a checkout session, retrieved after the
// client returns from the payment flow.
type PaymentResult struct {
	SessionID        string
	Paid             bool
	Metadata         map[string]string
	AmountMinor      int64
	Currency         string
	ReceiptURL       string
	HostedInvoiceURL string
	InvoicePDF       string
}

// Gateway is the payment provider boundary consumed by the lifecycle
// service.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params SessionParams) (*Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (*PaymentResult, error)
}
