package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rcourtman/entitle/internal/auth"
	"github.com/rcourtman/entitle/internal/entitlement"
	"github.com/rcourtman/entitle/internal/gateway"
	"github.com/rcourtman/entitle/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "handler-test-secret"

type stubGateway struct {
	session *gateway.Session
	result  *gateway.PaymentResult
	err     error
}

func (s *stubGateway) CreateCheckoutSession(ctx context.Context, p gateway.SessionParams) (*gateway.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.session != nil {
		return s.session, nil
	}
	return &gateway.Session{ID: "cs_stub", ClientSecret: "secret_stub"}, nil
}

func (s *stubGateway) RetrieveSession(ctx context.Context, sessionID string) (*gateway.PaymentResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		r := *s.result
		r.SessionID = sessionID
		return &r, nil
	}
	return &gateway.PaymentResult{SessionID: sessionID, Paid: false}, nil
}

type testEnv struct {
	mux *http.ServeMux
	reg *registry.EntitlementRegistry
	svc *entitlement.Service
}

func newTestEnv(t *testing.T, gw gateway.Gateway) *testEnv {
	t.Helper()

	reg, err := registry.NewEntitlementRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	svc := entitlement.NewService(reg, gw, entitlement.Config{
		TrialDays:          10,
		GraceDays:          3,
		MonthlyPrice:       5,
		YearlyPrice:        110,
		DisplayCurrency:    "usd",
		SettlementCurrency: "aed",
		ConversionRate:     9.75,
		ProductName:        "Entitle Subscription",
		ReturnURL:          "http://localhost/billing?session_id={CHECKOUT_SESSION_ID}",
	})

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:   &Config{},
		Registry: reg,
		Service:  svc,
		Auth:     auth.NewAuthenticator(testJWTSecret, reg),
		Version:  "test",
	})
	return &testEnv{mux: mux, reg: reg, svc: svc}
}

func bearerToken(t *testing.T, accountID, role string) string {
	t.Helper()
	claims := auth.Claims{
		Email: accountID + "@example.com",
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpointCreatesTrial(t *testing.T) {
	env := newTestEnv(t, &stubGateway{})

	rec := doJSON(t, env.mux, http.MethodGet, "/api/subscription/status", bearerToken(t, "a_fresh", "user"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, registry.StatusTrial, resp.Status)
	assert.False(t, resp.Locked)
	assert.Equal(t, "Trial active.", resp.Reason)
	assert.Equal(t, registry.PlanTrial, resp.Plan)
	assert.Nil(t, resp.PeriodEndsAt)
	assert.True(t, resp.GraceEndsAt.After(resp.TrialEndsAt))
}

func TestStatusEndpointRequiresAuth(t *testing.T) {
	env := newTestEnv(t, &stubGateway{})

	rec := doJSON(t, env.mux, http.MethodGet, "/api/subscription/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, env.mux, http.MethodGet, "/api/subscription/status", "not.a.jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckoutEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubGateway{session: &gateway.Session{ID: "cs_42", ClientSecret: "sec_42"}})
	token := bearerToken(t, "a_buyer", "user")

	rec := doJSON(t, env.mux, http.MethodPost, "/api/subscription/checkout", token, checkoutRequest{Plan: "monthly"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cs_42", resp.SessionID)
	assert.Equal(t, "sec_42", resp.ClientSecret)

	rec = doJSON(t, env.mux, http.MethodPost, "/api/subscription/checkout", token, checkoutRequest{Plan: "weekly"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/subscription/checkout", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckoutEndpointGatewayDown(t *testing.T) {
	env := newTestEnv(t, &stubGateway{err: gateway.ErrUnavailable})

	rec := doJSON(t, env.mux, http.MethodPost, "/api/subscription/checkout", bearerToken(t, "a_down", "user"), checkoutRequest{Plan: "monthly"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestConfirmEndpointActivatesAndReplays(t *testing.T) {
	env := newTestEnv(t, &stubGateway{result: &gateway.PaymentResult{
		Paid:        true,
		Metadata:    map[string]string{"plan": "monthly"},
		AmountMinor: 4875,
		Currency:    "aed",
	}})
	token := bearerToken(t, "a_conf", "user")

	rec := doJSON(t, env.mux, http.MethodPost, "/api/subscription/confirm", token, confirmRequest{SessionID: "cs_paid"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp confirmResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, registry.StatusActive, resp.Status)
	assert.Equal(t, "Payment confirmed.", resp.Reason)
	assert.Equal(t, registry.PlanMonthly, resp.Plan)
	assert.False(t, resp.AlreadyConfirmed)
	require.NotNil(t, resp.PeriodEndsAt)

	// Same session again: no mutation, flagged as replay.
	rec = doJSON(t, env.mux, http.MethodPost, "/api/subscription/confirm", token, confirmRequest{SessionID: "cs_paid"})
	require.Equal(t, http.StatusOK, rec.Code)
	var replay confirmResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))
	assert.True(t, replay.AlreadyConfirmed)
	assert.Equal(t, resp.PeriodEndsAt.Unix(), replay.PeriodEndsAt.Unix())
}

func TestConfirmEndpointRejections(t *testing.T) {
	env := newTestEnv(t, &stubGateway{result: &gateway.PaymentResult{Paid: false}})
	token := bearerToken(t, "a_rej", "user")

	rec := doJSON(t, env.mux, http.MethodPost, "/api/subscription/confirm", token, confirmRequest{SessionID: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, env.mux, http.MethodPost, "/api/subscription/confirm", token, confirmRequest{SessionID: "cs_open"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubGateway{result: &gateway.PaymentResult{
		Paid:        true,
		Metadata:    map[string]string{"plan": "yearly"},
		AmountMinor: 107250,
		Currency:    "aed",
		ReceiptURL:  "https://pay.example.com/r/9",
	}})
	token := bearerToken(t, "a_hist", "user")

	// No record yet.
	rec := doJSON(t, env.mux, http.MethodGet, "/api/subscription/history", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	doJSON(t, env.mux, http.MethodPost, "/api/subscription/confirm", token, confirmRequest{SessionID: "cs_hist"})

	rec = doJSON(t, env.mux, http.MethodGet, "/api/subscription/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, registry.PlanYearly, resp.Plan)
	assert.Equal(t, int64(107250), resp.AmountMinor)
	assert.Equal(t, "https://pay.example.com/r/9", resp.ReceiptURL)
}

func TestAdminReportAuthorization(t *testing.T) {
	env := newTestEnv(t, &stubGateway{})

	// Seed one record via a status query.
	doJSON(t, env.mux, http.MethodGet, "/api/subscription/status", bearerToken(t, "a_seed", "user"), nil)

	rec := doJSON(t, env.mux, http.MethodGet, "/api/admin/subscriptions", bearerToken(t, "a_user", "user"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, env.mux, http.MethodGet, "/api/admin/subscriptions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, env.mux, http.MethodGet, "/api/admin/subscriptions", bearerToken(t, "a_admin", "admin"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rows []*registry.ReportRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	found := false
	for _, row := range rows {
		if row.AccountID == "a_seed" {
			found = true
			assert.Equal(t, "a_seed@example.com", row.Email)
		}
	}
	assert.True(t, found, "seeded record missing from report")
}

func TestRequireEntitledGate(t *testing.T) {
	env := newTestEnv(t, &stubGateway{})

	gated := RequireEntitled(env.svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(accountID, role string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{AccountID: accountID, Role: role}))
		rec := httptest.NewRecorder()
		gated.ServeHTTP(rec, req)
		return rec
	}

	// Fresh account: trial is open, request passes.
	assert.Equal(t, http.StatusNoContent, serve("a_open", "user").Code)

	// Expired account: seed a record with both windows in the past.
	past := time.Now().UTC().AddDate(0, 0, -30)
	plan := registry.PlanTrial
	status := registry.StatusTrial
	locked := false
	reason := "Trial active."
	grace := past.AddDate(0, 0, 3)
	_, err := env.reg.Upsert("a_expired", registry.Patch{
		Plan: &plan, TrialEndsAt: &past, GraceEndsAt: &grace,
		Status: &status, Locked: &locked, Reason: &reason,
	})
	require.NoError(t, err)

	rec := serve("a_expired", "user")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Locked)
	assert.Equal(t, "Trial ended. Please subscribe to continue.", resp.Reason)

	// Admins pass the gate even when their record is locked.
	_, err = env.reg.Upsert("a_boss", registry.Patch{
		Plan: &plan, TrialEndsAt: &past, GraceEndsAt: &grace,
		Status: &status, Locked: &locked, Reason: &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, serve("a_boss", "admin").Code)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, &stubGateway{})

	rec := doJSON(t, env.mux, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env.mux, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
