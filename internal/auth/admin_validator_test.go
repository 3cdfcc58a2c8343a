package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testAdminSigningSecret = "secret"
	testAdminIssuer        = "ordersync-admin"
	testAdminAudience      = "ordersync-api"
)

func newTestIssuerAndValidator(t *testing.T, clock func() time.Time) (*TokenIssuer, *AdminValidator) {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testAdminSigningSecret),
		Issuer:        testAdminIssuer,
		Audience:      testAdminAudience,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewAdminValidator(AdminValidatorConfig{
		SigningSecret: []byte(testAdminSigningSecret),
		Issuer:        testAdminIssuer,
		Audience:      testAdminAudience,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestAdminValidatorAcceptsIssuedToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestIssuerAndValidator(t, func() time.Time { return clockNow })

	token, _, err := issuer.IssueAdminToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
}

func TestAdminValidatorRejectsExpiredToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestIssuerAndValidator(t, func() time.Time { return clockNow })

	token, _, err := issuer.IssueAdminToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	clockNow = clockNow.Add(2 * time.Hour)
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredAdminToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestAdminValidatorRejectsForeignTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	_, validator := newTestIssuerAndValidator(t, func() time.Time { return clockNow })

	cases := map[string]jwt.Claims{
		"wrong issuer": AdminClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Audience:  jwt.ClaimStrings{testAdminAudience},
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		}},
		"wrong audience": AdminClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testAdminIssuer,
			Audience:  jwt.ClaimStrings{"another-api"},
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		}},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAdminSigningSecret))
			if err != nil {
				t.Fatalf("failed to sign token: %v", err)
			}
			if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidAdminToken) {
				t.Fatalf("expected invalid token error, got %v", err)
			}
		})
	}

	missingSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    testAdminIssuer,
		Audience:  jwt.ClaimStrings{testAdminAudience},
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	}}).SignedString([]byte(testAdminSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(missingSubject); !errors.Is(err, ErrMissingAdminSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestAdminValidatorValidateRequestSources(t *testing.T) {
	issuer, validator := newTestIssuerAndValidator(t, nil)
	token, _, err := issuer.IssueAdminToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	headerRequest := httptest.NewRequest(http.MethodGet, "/sync/stats", http.NoBody)
	headerRequest.Header.Set("Authorization", "Bearer "+token)
	if _, err := validator.ValidateRequest(headerRequest); err != nil {
		t.Fatalf("expected bearer header to validate: %v", err)
	}

	queryRequest := httptest.NewRequest(http.MethodGet, "/sync/events?access_token="+token, http.NoBody)
	if _, err := validator.ValidateRequest(queryRequest); err != nil {
		t.Fatalf("expected query token to validate: %v", err)
	}

	bareRequest := httptest.NewRequest(http.MethodGet, "/sync/stats", http.NoBody)
	if _, err := validator.ValidateRequest(bareRequest); !errors.Is(err, ErrMissingAdminToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
