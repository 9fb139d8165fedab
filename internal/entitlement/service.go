package entitlement

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/entitle/internal/gateway"
	"github.com/rcourtman/entitle/internal/metrics"
	"github.com/rcourtman/entitle/internal/registry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Config holds the entitlement tunables: window lengths, list prices and the
// conversion into the gateway's settlement currency.
type Config struct {
	TrialDays int
	GraceDays int

	// List prices in the display currency.
	MonthlyPrice    float64
	YearlyPrice     float64
	DisplayCurrency string

	// Settlement currency the gateway charges in, with optional fixed
	// per-plan overrides. Without an override the charge is
	// displayed price × ConversionRate.
	SettlementCurrency string
	MonthlyCharge      *float64
	YearlyCharge       *float64
	ConversionRate     float64

	ProductName string
	ReturnURL   string
}

// CheckoutResult is what checkout-initiation hands back to the caller:
// the session id plus the client-side continuation token.
type CheckoutResult struct {
	SessionID    string
	ClientSecret string
	DisplayPrice float64
	ChargeMinor  int64
	Currency     string
}

// Service orchestrates the entitlement lifecycle: lazy trial creation,
// status evaluation with write-back, checkout initiation and idempotent
// payment confirmation.
type Service struct {
	reg *registry.EntitlementRegistry
	gw  gateway.Gateway
	cfg Config
	now func() time.Time

	// Per-account serialization: a status query racing a confirmation for
	// the same account must not interleave a stale read-then-overwrite.
	// Cross-account operations stay fully independent.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// Concurrent identical status queries are coalesced into one
	// evaluate-and-persist pass.
	statusGroup singleflight.Group
}

// NewService creates a lifecycle service over the given store and gateway.
func NewService(reg *registry.EntitlementRegistry, gw gateway.Gateway, cfg Config) *Service {
	return &Service{
		reg:   reg,
		gw:    gw,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// ensureRecord loads the entitlement record for an account, creating a fresh
// trial when none exists (or when the stored row was unreadable). Creation is
// idempotent: the trial window is fixed at first creation and the store never
// resets it.
func (s *Service) ensureRecord(accountID string) (*registry.Record, error) {
	rec, err := s.reg.Get(accountID)
	if err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}
	if rec != nil {
		return rec, nil
	}

	now := s.now()
	trialEnds := now.AddDate(0, 0, s.cfg.TrialDays)
	graceEnds := trialEnds.AddDate(0, 0, s.cfg.GraceDays)
	plan := registry.PlanTrial
	status := registry.StatusTrial
	locked := false
	reason := "Trial active."

	rec, err = s.reg.Upsert(accountID, registry.Patch{
		Plan:        &plan,
		TrialEndsAt: &trialEnds,
		GraceEndsAt: &graceEnds,
		Status:      &status,
		Locked:      &locked,
		Reason:      &reason,
	})
	if err != nil {
		return nil, fmt.Errorf("create trial entitlement: %w", err)
	}

	log.Info().
		Str("account_id", accountID).
		Time("trial_ends_at", trialEnds).
		Time("grace_ends_at", graceEnds).
		Msg("Trial entitlement created")
	return rec, nil
}

// StatusResult pairs the stored record with the role-aware decision for the
// caller. The persisted cached status always reflects the record's own
// evaluation; an admin's bypass shows up only in Decision.
type StatusResult struct {
	Record   *registry.Record
	Decision Decision
}

// Status answers the entitlement status query for an account, creating a
// trial record on first contact and persisting any status drift.
func (s *Service) Status(ctx context.Context, accountID, role string) (*StatusResult, error) {
	v, err, _ := s.statusGroup.Do(accountID+"|"+strings.ToLower(role), func() (any, error) {
		return s.statusLocked(accountID, role)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StatusResult), nil
}

func (s *Service) statusLocked(accountID, role string) (*StatusResult, error) {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	rec, err := s.ensureRecord(accountID)
	if err != nil {
		return nil, err
	}

	now := s.now()

	// The record's own evaluation (role ignored) is what gets cached, so an
	// admin's record keeps evolving normally underneath the bypass.
	own := Evaluate(now, rec, "")
	if drifted(rec, own) {
		rec, err = s.reg.Upsert(accountID, registry.Patch{
			Status: &own.Status,
			Locked: &own.Locked,
			Reason: &own.Reason,
		})
		if err != nil {
			return nil, fmt.Errorf("persist status drift: %w", err)
		}
	}

	return &StatusResult{Record: rec, Decision: Evaluate(now, rec, role)}, nil
}

// Checkout validates the requested plan, computes the charge in the
// settlement currency and creates a gateway checkout session. No record
// mutation happens here: initiating checkout never by itself extends
// entitlement.
func (s *Service) Checkout(ctx context.Context, accountID, email, requestedPlan string) (*CheckoutResult, error) {
	plan, ok := registry.ParsePlan(requestedPlan)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, requestedPlan)
	}

	display := s.displayPrice(plan)
	charge := s.chargeAmount(plan)
	minor := MinorUnits(charge, s.cfg.SettlementCurrency)

	sess, err := s.gw.CreateCheckoutSession(ctx, gateway.SessionParams{
		AmountMinor: minor,
		Currency:    s.cfg.SettlementCurrency,
		ProductName: fmt.Sprintf("%s (%s)", s.cfg.ProductName, plan),
		ProductDescription: fmt.Sprintf("Displayed: %g %s | Charged: %.2f %s",
			display, strings.ToUpper(s.cfg.DisplayCurrency), charge, strings.ToUpper(s.cfg.SettlementCurrency)),
		CustomerEmail: email,
		ReturnURL:     s.cfg.ReturnURL,
		Metadata: map[string]string{
			"account_id": accountID,
			"plan":       string(plan),
		},
	})
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("gateway_error").Inc()
		return nil, err
	}

	metrics.CheckoutSessionsTotal.WithLabelValues("created").Inc()
	log.Info().
		Str("account_id", accountID).
		Str("plan", string(plan)).
		Str("session_id", sess.ID).
		Int64("amount_minor", minor).
		Str("currency", s.cfg.SettlementCurrency).
		Msg("Checkout session created")

	return &CheckoutResult{
		SessionID:    sess.ID,
		ClientSecret: sess.ClientSecret,
		DisplayPrice: display,
		ChargeMinor:  minor,
		Currency:     s.cfg.SettlementCurrency,
	}, nil
}

// Confirm reconciles a gateway checkout session into the local record.
// Idempotent: re-invoking with the session id of an already-applied payment
// returns the stored record unchanged with alreadyConfirmed = true.
// An unpaid session or bad metadata never mutates the record.
func (s *Service) Confirm(ctx context.Context, accountID, sessionID string) (rec *registry.Record, alreadyConfirmed bool, err error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, false, ErrMissingSession
	}

	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	rec, err = s.ensureRecord(accountID)
	if err != nil {
		return nil, false, err
	}

	if rec.LastPaymentSessionID == sessionID && rec.Status == registry.StatusActive {
		metrics.ConfirmationsTotal.WithLabelValues("already_confirmed").Inc()
		return rec, true, nil
	}

	result, err := s.gw.RetrieveSession(ctx, sessionID)
	if err != nil {
		metrics.ConfirmationsTotal.WithLabelValues("gateway_error").Inc()
		return nil, false, err
	}
	if !result.Paid {
		metrics.ConfirmationsTotal.WithLabelValues("unpaid").Inc()
		return nil, false, fmt.Errorf("%w: session %s", ErrPaymentNotCompleted, sessionID)
	}

	plan, ok := registry.ParsePlan(result.Metadata["plan"])
	if !ok {
		metrics.ConfirmationsTotal.WithLabelValues("invalid_metadata").Inc()
		return nil, false, fmt.Errorf("%w: %q", ErrSessionMetadata, result.Metadata["plan"])
	}

	// The new paid window always extends from now, not from the previous
	// period end: confirming a renewal early forfeits remaining time on the
	// old window (non-stacking policy, kept from the source system).
	now := s.now()
	var periodEnds time.Time
	if plan == registry.PlanYearly {
		periodEnds = now.AddDate(1, 0, 0)
	} else {
		periodEnds = now.AddDate(0, 1, 0)
	}
	graceEnds := periodEnds.AddDate(0, 0, s.cfg.GraceDays)

	status := registry.StatusActive
	locked := false
	reason := "Payment confirmed."
	currency := strings.ToLower(result.Currency)
	rec, err = s.reg.Upsert(accountID, registry.Patch{
		Plan:                 &plan,
		PeriodEndsAt:         &periodEnds,
		GraceEndsAt:          &graceEnds,
		LastPaymentSessionID: &sessionID,
		LastPaymentAt:        &now,
		LastPaymentMinor:     &result.AmountMinor,
		LastPaymentCurrency:  &currency,
		ReceiptURL:           &result.ReceiptURL,
		HostedInvoiceURL:     &result.HostedInvoiceURL,
		InvoicePDF:           &result.InvoicePDF,
		Status:               &status,
		Locked:               &locked,
		Reason:               &reason,
	})
	if err != nil {
		return nil, false, fmt.Errorf("persist confirmed payment: %w", err)
	}

	metrics.ConfirmationsTotal.WithLabelValues("confirmed").Inc()
	log.Info().
		Str("account_id", accountID).
		Str("plan", string(plan)).
		Str("session_id", sessionID).
		Time("period_ends_at", periodEnds).
		Msg("Payment confirmed, entitlement extended")
	return rec, false, nil
}

// History returns the caller's own record without evaluation, or nil when
// the account has never made a status query.
func (s *Service) History(accountID string) (*registry.Record, error) {
	return s.reg.Get(accountID)
}

// Report returns the administrative reporting view: all records joined with
// account identity. Thin projection over the store, no business rules.
func (s *Service) Report() ([]*registry.ReportRow, error) {
	return s.reg.Report()
}

func (s *Service) displayPrice(plan registry.Plan) float64 {
	if plan == registry.PlanYearly {
		return s.cfg.YearlyPrice
	}
	return s.cfg.MonthlyPrice
}

func (s *Service) chargeAmount(plan registry.Plan) float64 {
	if plan == registry.PlanYearly {
		if s.cfg.YearlyCharge != nil {
			return *s.cfg.YearlyCharge
		}
		return s.cfg.YearlyPrice * s.cfg.ConversionRate
	}
	if s.cfg.MonthlyCharge != nil {
		return *s.cfg.MonthlyCharge
	}
	return s.cfg.MonthlyPrice * s.cfg.ConversionRate
}

// zeroDecimalCurrencies are the settlement currencies whose smallest unit is
// the whole unit (per the gateway's currency handling).
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MinorUnits converts an amount in major units to the currency's smallest
// unit, rounding half away from zero.
func MinorUnits(amount float64, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(strings.TrimSpace(currency))] {
		return int64(math.Round(amount))
	}
	return int64(math.Round(amount * 100))
}
