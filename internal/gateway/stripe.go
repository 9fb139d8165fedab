package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/entitle/internal/metrics"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	stripecharge "github.com/stripe/stripe-go/v82/charge"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

// StripeGateway implements Gateway against Stripe Checkout. The Stripe calls
// are held as function fields so tests can substitute them without network
// access.
type StripeGateway struct {
	createSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSession    func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getCharge     func(id string, params *stripe.ChargeParams) (*stripe.Charge, error)
}

// NewStripeGateway configures the global Stripe API key and returns a
// checkout-session gateway.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = strings.TrimSpace(apiKey)
	return &StripeGateway{
		createSession: stripesession.New,
		getSession:    stripesession.Get,
		getCharge:     stripecharge.Get,
	}
}

// CreateCheckoutSession creates an embedded-mode checkout session for a
// one-off payment with invoice creation enabled.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, params SessionParams) (*Session, error) {
	start := time.Now()
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues("create_session").Observe(time.Since(start).Seconds())
	}()

	p := &stripe.CheckoutSessionParams{
		UIMode:           stripe.String(string(stripe.CheckoutSessionUIModeEmbedded)),
		Mode:             stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerCreation: stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways)),
		InvoiceCreation: &stripe.CheckoutSessionInvoiceCreationParams{
			Enabled: stripe.Bool(true),
		},
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(params.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(params.ProductName),
						Description: stripe.String(params.ProductDescription),
					},
					UnitAmount: stripe.Int64(params.AmountMinor),
				},
				Quantity: stripe.Int64(1),
			},
		},
		ReturnURL: stripe.String(params.ReturnURL),
		Metadata:  params.Metadata,
	}
	if strings.TrimSpace(params.CustomerEmail) != "" {
		p.CustomerEmail = stripe.String(strings.TrimSpace(params.CustomerEmail))
	}
	p.Context = ctx

	sess, err := g.createSession(p)
	if err != nil || sess == nil {
		log.Error().Err(err).
			Str("currency", params.Currency).
			Int64("amount_minor", params.AmountMinor).
			Msg("Stripe checkout session creation failed")
		return nil, fmt.Errorf("%w: create checkout session: %v", ErrUnavailable, err)
	}

	return &Session{ID: sess.ID, ClientSecret: sess.ClientSecret}, nil
}

// RetrieveSession fetches a checkout session with its payment intent and
// invoice expanded and maps it to a local PaymentResult.
func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (*PaymentResult, error) {
	start := time.Now()
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues("retrieve_session").Observe(time.Since(start).Seconds())
	}()

	p := &stripe.CheckoutSessionParams{}
	p.Context = ctx
	p.AddExpand("payment_intent.latest_charge")
	p.AddExpand("invoice")

	sess, err := g.getSession(sessionID, p)
	if err != nil || sess == nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Stripe checkout session lookup failed")
		return nil, fmt.Errorf("%w: retrieve checkout session: %v", ErrUnavailable, err)
	}

	result := &PaymentResult{
		SessionID:   sess.ID,
		Paid:        sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:    sess.Metadata,
		AmountMinor: sess.AmountTotal,
		Currency:    string(sess.Currency),
	}
	if sess.Invoice != nil {
		result.HostedInvoiceURL = sess.Invoice.HostedInvoiceURL
		result.InvoicePDF = sess.Invoice.InvoicePDF
	}
	if sess.PaymentIntent != nil && sess.PaymentIntent.LatestCharge != nil {
		result.ReceiptURL = sess.PaymentIntent.LatestCharge.ReceiptURL
		// The expanded charge usually carries the receipt already; fall back
		// to a direct lookup when expansion returned a bare charge.
		if result.ReceiptURL == "" && sess.PaymentIntent.LatestCharge.ID != "" {
			cp := &stripe.ChargeParams{}
			cp.Context = ctx
			if ch, err := g.getCharge(sess.PaymentIntent.LatestCharge.ID, cp); err == nil && ch != nil {
				result.ReceiptURL = ch.ReceiptURL
			}
		}
	}
	return result, nil
}
