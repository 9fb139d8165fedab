package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rcourtman/entitle/internal/auth"
	"github.com/rcourtman/entitle/internal/entitlement"
	"github.com/rcourtman/entitle/internal/gateway"
	"github.com/rcourtman/entitle/internal/registry"
	"github.com/rs/zerolog/log"
)

type statusResponse struct {
	Status       registry.Status `json:"status"`
	Locked       bool            `json:"locked"`
	Reason       string          `json:"reason"`
	Plan         registry.Plan   `json:"plan"`
	TrialEndsAt  time.Time       `json:"trial_ends_at"`
	PeriodEndsAt *time.Time      `json:"period_ends_at,omitempty"`
	GraceEndsAt  time.Time       `json:"grace_ends_at"`
}

type checkoutRequest struct {
	Plan string `json:"plan"`
}

type checkoutResponse struct {
	SessionID    string `json:"session_id"`
	ClientSecret string `json:"client_secret"`
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
}

type confirmResponse struct {
	Status           registry.Status `json:"status"`
	Locked           bool            `json:"locked"`
	Reason           string          `json:"reason"`
	Plan             registry.Plan   `json:"plan"`
	PeriodEndsAt     *time.Time      `json:"period_ends_at,omitempty"`
	AlreadyConfirmed bool            `json:"already_confirmed"`
}

type historyResponse struct {
	Plan             registry.Plan `json:"plan"`
	LastPaymentAt    *time.Time    `json:"last_payment_at,omitempty"`
	AmountMinor      int64         `json:"amount_minor,omitempty"`
	Currency         string        `json:"currency,omitempty"`
	ReceiptURL       string        `json:"receipt_url,omitempty"`
	HostedInvoiceURL string        `json:"hosted_invoice_url,omitempty"`
	InvoicePDF       string        `json:"invoice_pdf,omitempty"`
	PeriodEndsAt     *time.Time    `json:"period_ends_at,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusResponseFrom(res *entitlement.StatusResult) statusResponse {
	return statusResponse{
		Status:       res.Decision.Status,
		Locked:       res.Decision.Locked,
		Reason:       res.Decision.Reason,
		Plan:         res.Record.Plan,
		TrialEndsAt:  res.Record.TrialEndsAt,
		PeriodEndsAt: res.Record.PeriodEndsAt,
		GraceEndsAt:  res.Record.GraceEndsAt,
	}
}

// HandleStatus answers the caller's entitlement status, creating a trial
// record on first contact.
// Route: GET /api/subscription/status
func HandleStatus(svc *entitlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		res, err := svc.Status(r.Context(), id.AccountID, id.Role)
		if err != nil {
			log.Error().Err(err).Str("account_id", id.AccountID).Msg("Status query failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Unable to evaluate subscription status")
			return
		}

		writeJSON(w, http.StatusOK, statusResponseFrom(res))
	}
}

// HandleCheckout creates a payment gateway checkout session for the
// requested plan.
// Route: POST /api/subscription/checkout
func HandleCheckout(svc *entitlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		var req checkoutRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}

		res, err := svc.Checkout(r.Context(), id.AccountID, id.Email, req.Plan)
		if err != nil {
			switch {
			case errors.Is(err, entitlement.ErrInvalidPlan):
				auditEvent(r, "checkout_create", "failure").
					Str("account_id", id.AccountID).
					Str("plan", req.Plan).
					Str("reason", "invalid_plan").
					Msg("Checkout rejected")
				writeError(w, http.StatusBadRequest, "invalid_plan", "Plan must be monthly or yearly")
			case errors.Is(err, gateway.ErrUnavailable):
				auditEvent(r, "checkout_create", "failure").
					Err(err).
					Str("account_id", id.AccountID).
					Str("reason", "gateway_unavailable").
					Msg("Checkout failed")
				writeError(w, http.StatusBadGateway, "gateway_unavailable", "Payment provider is unavailable, try again later")
			default:
				log.Error().Err(err).Str("account_id", id.AccountID).Msg("Checkout failed")
				writeError(w, http.StatusInternalServerError, "internal_error", "Unable to create checkout session")
			}
			return
		}

		auditEvent(r, "checkout_create", "success").
			Str("account_id", id.AccountID).
			Str("plan", req.Plan).
			Str("session_id", res.SessionID).
			Int64("amount_minor", res.ChargeMinor).
			Str("currency", res.Currency).
			Msg("Checkout session created")

		writeJSON(w, http.StatusOK, checkoutResponse{
			SessionID:    res.SessionID,
			ClientSecret: res.ClientSecret,
		})
	}
}

// HandleConfirm reconciles a completed checkout session into the caller's
// entitlement. Safe to retry: replays return the stored state unchanged.
// Route: POST /api/subscription/confirm
func HandleConfirm(svc *entitlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		var req confirmRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}

		rec, already, err := svc.Confirm(r.Context(), id.AccountID, req.SessionID)
		if err != nil {
			switch {
			case errors.Is(err, entitlement.ErrMissingSession):
				writeError(w, http.StatusBadRequest, "missing_session", "session_id is required")
			case errors.Is(err, entitlement.ErrPaymentNotCompleted):
				auditEvent(r, "payment_confirm", "failure").
					Str("account_id", id.AccountID).
					Str("session_id", req.SessionID).
					Str("reason", "payment_not_completed").
					Msg("Confirmation rejected")
				writeError(w, http.StatusPaymentRequired, "payment_not_completed", "Payment has not completed for this session")
			case errors.Is(err, entitlement.ErrSessionMetadata):
				auditEvent(r, "payment_confirm", "failure").
					Str("account_id", id.AccountID).
					Str("session_id", req.SessionID).
					Str("reason", "invalid_metadata").
					Msg("Confirmation rejected")
				writeError(w, http.StatusUnprocessableEntity, "invalid_session", "Checkout session carries no recognizable plan")
			case errors.Is(err, gateway.ErrUnavailable):
				writeError(w, http.StatusBadGateway, "gateway_unavailable", "Payment provider is unavailable, try again later")
			default:
				log.Error().Err(err).Str("account_id", id.AccountID).Msg("Confirmation failed")
				writeError(w, http.StatusInternalServerError, "internal_error", "Unable to confirm payment")
			}
			return
		}

		outcome := "success"
		if already {
			outcome = "replay"
		}
		auditEvent(r, "payment_confirm", outcome).
			Str("account_id", id.AccountID).
			Str("session_id", req.SessionID).
			Str("plan", string(rec.Plan)).
			Msg("Payment confirmation handled")

		writeJSON(w, http.StatusOK, confirmResponse{
			Status:           rec.Status,
			Locked:           rec.Locked,
			Reason:           rec.Reason,
			Plan:             rec.Plan,
			PeriodEndsAt:     rec.PeriodEndsAt,
			AlreadyConfirmed: already,
		})
	}
}

// HandleHistory returns the caller's last payment provenance.
// Route: GET /api/subscription/history
func HandleHistory(svc *entitlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		rec, err := svc.History(id.AccountID)
		if err != nil {
			log.Error().Err(err).Str("account_id", id.AccountID).Msg("History lookup failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Unable to load payment history")
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "no_record", "No subscription record for this account")
			return
		}

		writeJSON(w, http.StatusOK, historyResponse{
			Plan:             rec.Plan,
			LastPaymentAt:    rec.LastPaymentAt,
			AmountMinor:      rec.LastPaymentMinor,
			Currency:         rec.LastPaymentCurrency,
			ReceiptURL:       rec.ReceiptURL,
			HostedInvoiceURL: rec.HostedInvoiceURL,
			InvoicePDF:       rec.InvoicePDF,
			PeriodEndsAt:     rec.PeriodEndsAt,
		})
	}
}

// HandleAdminReport lists every entitlement record joined with account
// identity for operators.
// Route: GET /api/admin/subscriptions
func HandleAdminReport(svc *entitlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := svc.Report()
		if err != nil {
			log.Error().Err(err).Msg("Admin report failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Unable to build report")
			return
		}
		if rows == nil {
			rows = []*registry.ReportRow{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// RequireEntitled gates a handler to callers whose entitlement is not
// locked. Locked callers get 402 with the full status decision so client
// apps can route to billing. Must run inside RequireAuth.
func RequireEntitled(svc *entitlement.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}

			res, err := svc.Status(r.Context(), id.AccountID, id.Role)
			if err != nil {
				log.Error().Err(err).Str("account_id", id.AccountID).Msg("Entitlement gate failed")
				writeError(w, http.StatusInternalServerError, "internal_error", "Unable to evaluate subscription status")
				return
			}
			if res.Decision.Locked {
				writeJSON(w, http.StatusPaymentRequired, statusResponseFrom(res))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandleHealthz is an unauthenticated liveness probe.
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// HandleReadyz reports readiness: the registry must answer a ping.
func HandleReadyz(reg *registry.EntitlementRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "Registry unavailable")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("server: encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid JSON body")
		return err
	}
	// Reject trailing garbage.
	if dec.More() {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid JSON body")
		return errors.New("unexpected trailing data")
	}
	return nil
}
