package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "unit-test-signing-secret"

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseClaims() Claims {
	now := time.Now()
	return Claims{
		UserID:    "user-123",
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "nodeforge-auth",
			ID:        "jti-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestVerifyAcceptsValidAccessToken(t *testing.T) {
	v := NewVerifier([]byte(testSecret), "nodeforge-auth", 30*time.Second)
	raw := signToken(t, baseClaims())

	p, err := v.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UserID != "user-123" {
		t.Fatalf("expected user-123, got %q", p.UserID)
	}
	if p.TokenID != "jti-1" {
		t.Fatalf("expected jti-1, got %q", p.TokenID)
	}
}

func TestVerifyRejectsRefreshToken(t *testing.T) {
	v := NewVerifier([]byte(testSecret), "nodeforge-auth", 30*time.Second)
	c := baseClaims()
	c.TokenType = "refresh"
	raw := signToken(t, c)

	if _, err := v.Verify(raw); err == nil {
		t.Fatal("expected refresh token to be rejected")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier([]byte(testSecret), "nodeforge-auth", 0)
	c := baseClaims()
	past := time.Now().Add(-time.Hour)
	c.ExpiresAt = jwt.NewNumericDate(past)
	raw := signToken(t, c)

	if _, err := v.Verify(raw); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	v := NewVerifier([]byte(testSecret), "nodeforge-auth", 30*time.Second)
	c := baseClaims()
	c.Issuer = "some-other-issuer"
	raw := signToken(t, c)

	if _, err := v.Verify(raw); err == nil {
		t.Fatal("expected mismatched issuer to be rejected")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier([]byte("a-different-secret"), "nodeforge-auth", 30*time.Second)
	raw := signToken(t, baseClaims())

	if _, err := v.Verify(raw); err == nil {
		t.Fatal("expected signature mismatch to be rejected")
	}
}

func TestRequireStaffRejectsNonStaffPrincipal(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{UserID: "u1", IsStaff: false})
	if err := RequireStaff(ctx); err == nil {
		t.Fatal("expected non-staff principal to be rejected")
	}
}

func TestRequireStaffAllowsStaffPrincipal(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{UserID: "u1", IsStaff: true})
	if err := RequireStaff(ctx); err != nil {
		t.Fatalf("expected staff principal to pass, got %v", err)
	}
}
