// Package identity implements the Identity Context (C3): verification of
// HS256 bearer tokens and synthesis of a request principal directly from
// token claims, with no database lookup in any service that does not own
// the user record itself.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/basket/nodeforge/internal/apperr"
)

// Claims are the JWT claims this platform's issuer embeds in every access
// token (spec §4.3).
type Claims struct {
	UserID    string `json:"user_id"`
	IsStaff   bool   `json:"is_staff"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller, synthesized from Claims without
// any database round trip.
type Principal struct {
	UserID    string
	IsStaff   bool
	TokenID   string // jti
	ExpiresAt time.Time
}

type ctxKey struct{}

// FromContext extracts the Principal a Middleware attached to ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// WithPrincipal returns a context carrying p, primarily for tests that
// invoke handlers without going through Middleware.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// Verifier validates bearer tokens issued by the platform's auth issuer.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier builds a Verifier for HS256 tokens signed with secret and
// issued by issuer. leeway bounds clock skew tolerance on exp/iat checks.
func NewVerifier(secret []byte, issuer string, leeway time.Duration) *Verifier {
	return &Verifier{secret: secret, issuer: issuer, leeway: leeway}
}

// Verify parses and validates raw, returning the synthesized Principal.
// Only access tokens (token_type == "access") authorize a request; refresh
// tokens presented as bearer credentials are rejected.
func (v *Verifier) Verify(raw string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithLeeway(v.leeway), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return Principal{}, apperr.Wrap(apperr.PermissionDenied, "invalid bearer token", err)
	}
	if claims.TokenType != "access" {
		return Principal{}, apperr.PermissionDeniedf("token is not an access token")
	}
	if claims.UserID == "" {
		return Principal{}, apperr.PermissionDeniedf("token missing user_id claim")
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return Principal{
		UserID:    claims.UserID,
		IsStaff:   claims.IsStaff,
		TokenID:   claims.ID,
		ExpiresAt: exp,
	}, nil
}

// Issue mints an HS256 access token for userID with the Verifier's secret
// and issuer, the complement to Verify used by the User service's
// POST /auth/token endpoint.
func (v *Verifier) Issue(userID string, isStaff bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		IsStaff:   isStaff,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Middleware authenticates every request via its Authorization: Bearer
// header and attaches the resulting Principal to the request context. It
// never touches a database: a service that does not own the user record
// trusts claims as-is, per spec §4.3.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		principal, err := v.Verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		ctx := WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(apperr.PermissionDenied))
	fmt.Fprintf(w, `{"error":"permission_denied","message":%q}`, msg)
}

// RequireStaff rejects non-staff principals, used by the staff-only
// endpoints a handful of operations expose (e.g. force-deleting another
// user's resources).
func RequireStaff(ctx context.Context) error {
	p, ok := FromContext(ctx)
	if !ok {
		return apperr.PermissionDeniedf("no authenticated principal")
	}
	if !p.IsStaff {
		return apperr.PermissionDeniedf("staff privileges required")
	}
	return nil
}
