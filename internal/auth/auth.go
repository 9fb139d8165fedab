package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rcourtman/entitle/internal/entitlement"
	"github.com/rcourtman/entitle/internal/registry"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoToken      = errors.New("no auth token supplied")
	ErrInvalidToken = errors.New("auth token is invalid")
)

// Claims is the token payload accounts authenticate with. Role is free-form;
// only "admin" carries meaning downstream.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller as seen by handlers.
type Identity struct {
	AccountID string
	Email     string
	Name      string
	Role      string
}

// IsAdmin reports whether the identity carries the admin role.
func (id Identity) IsAdmin() bool {
	return strings.EqualFold(strings.TrimSpace(id.Role), entitlement.RoleAdmin)
}

type ctxKey struct{}

// FromContext returns the identity set by RequireAuth, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// WithIdentity stores an identity on the context. Exported so handler tests
// can inject a caller directly.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Authenticator validates bearer tokens and records caller identity in the
// account registry as a side effect, so the admin report can show who an
// entitlement belongs to.
type Authenticator struct {
	secret []byte
	reg    *registry.EntitlementRegistry
}

// NewAuthenticator creates an Authenticator with the given HMAC signing
// secret. reg may be nil in tests that don't care about identity capture.
func NewAuthenticator(secret string, reg *registry.EntitlementRegistry) *Authenticator {
	return &Authenticator{secret: []byte(secret), reg: reg}
}

// TokenFromRequest extracts the raw token from the Authorization header,
// the X-Auth-Token header, or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	if h := strings.TrimSpace(r.Header.Get("X-Auth-Token")); h != "" {
		return h
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ParseToken validates an HS256 token and returns its claims.
func (a *Authenticator) ParseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		tokenStr,
		claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// RequireAuth authenticates the request, stores the identity in the request
// context, and refreshes the caller's identity row. Unauthenticated requests
// get 401.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := TokenFromRequest(r)
		if tokenStr == "" {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		claims, err := a.ParseToken(tokenStr)
		if err != nil {
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected invalid auth token")
			writeAuthError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
			return
		}

		id := Identity{
			AccountID: claims.Subject,
			Email:     claims.Email,
			Name:      claims.Name,
			Role:      claims.Role,
		}

		if a.reg != nil {
			if err := a.reg.UpsertAccount(&registry.Account{
				ID:    id.AccountID,
				Email: id.Email,
				Name:  id.Name,
				Role:  id.Role,
			}); err != nil {
				// Identity capture is best-effort; the request proceeds.
				log.Warn().Err(err).Str("account_id", id.AccountID).Msg("Failed to refresh account identity")
			}
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireAdmin gates a handler to admin callers. Must run inside RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok || !id.IsAdmin() {
			writeAuthError(w, http.StatusForbidden, "forbidden", "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
