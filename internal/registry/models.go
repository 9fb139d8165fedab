package registry

import (
	"strings"
	"time"
)

// Plan identifies the billing plan attached to an entitlement record.
type Plan string

const (
	PlanTrial   Plan = "trial"
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// ParsePlan validates a caller-supplied plan string. Only paid plans are
// accepted; trial records are created by the service, never requested.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(strings.ToLower(strings.TrimSpace(s))) {
	case PlanMonthly:
		return PlanMonthly, true
	case PlanYearly:
		return PlanYearly, true
	default:
		return "", false
	}
}

// IsPaid reports whether the plan grants a paid entitlement window.
func (p Plan) IsPaid() bool {
	return p == PlanMonthly || p == PlanYearly
}

// Status is the cached projection of the status engine's last evaluation.
// It is derived data: always safe to recompute, never a source of truth.
type Status string

const (
	StatusTrial   Status = "trial"
	StatusActive  Status = "active"
	StatusPastDue Status = "past_due"
	StatusLocked  Status = "locked"
)

// Record is the per-account entitlement record. One row per account,
// created lazily on first status query and never deleted.
type Record struct {
	AccountID            string     `json:"account_id"`
	Plan                 Plan       `json:"plan"`
	TrialEndsAt          time.Time  `json:"trial_ends_at"`
	PeriodEndsAt         *time.Time `json:"period_ends_at,omitempty"`
	GraceEndsAt          time.Time  `json:"grace_ends_at"`
	LastPaymentSessionID string     `json:"last_payment_session_id,omitempty"`
	LastPaymentAt        *time.Time `json:"last_payment_at,omitempty"`
	LastPaymentMinor     int64      `json:"last_payment_minor,omitempty"`
	LastPaymentCurrency  string     `json:"last_payment_currency,omitempty"`
	ReceiptURL           string     `json:"receipt_url,omitempty"`
	HostedInvoiceURL     string     `json:"hosted_invoice_url,omitempty"`
	InvoicePDF           string     `json:"invoice_pdf,omitempty"`
	Status               Status     `json:"status"`
	Locked               bool       `json:"locked"`
	Reason               string     `json:"reason"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Patch is a merge-patch applied by Upsert. Nil fields are left untouched
// on the stored row. TrialEndsAt is only honored when the row is being
// created; once set it is immutable.
type Patch struct {
	Plan                 *Plan
	TrialEndsAt          *time.Time
	PeriodEndsAt         *time.Time
	GraceEndsAt          *time.Time
	LastPaymentSessionID *string
	LastPaymentAt        *time.Time
	LastPaymentMinor     *int64
	LastPaymentCurrency  *string
	ReceiptURL           *string
	HostedInvoiceURL     *string
	InvoicePDF           *string
	Status               *Status
	Locked               *bool
	Reason               *string
}

// Account is the identity row kept alongside entitlement records so the
// reporting view can show who an account belongs to. Identity is owned by
// the auth collaborator; this is a trusting cache of its claims.
type Account struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ReportRow is one line of the administrative reporting view: an
// entitlement record joined with whatever identity info is on file.
type ReportRow struct {
	AccountID           string     `json:"account_id"`
	Email               string     `json:"email,omitempty"`
	Name                string     `json:"name,omitempty"`
	Plan                Plan       `json:"plan"`
	Status              Status     `json:"status"`
	PeriodEndsAt        *time.Time `json:"period_ends_at,omitempty"`
	LastPaymentAt       *time.Time `json:"last_payment_at,omitempty"`
	LastPaymentMinor    int64      `json:"last_payment_minor,omitempty"`
	LastPaymentCurrency string     `json:"last_payment_currency,omitempty"`
	ReceiptURL          string     `json:"receipt_url,omitempty"`
	HostedInvoiceURL    string     `json:"hosted_invoice_url,omitempty"`
	InvoicePDF          string     `json:"invoice_pdf,omitempty"`
}
