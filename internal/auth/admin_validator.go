package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const accessTokenQueryParameter = "access_token"

var (
	ErrMissingAdminSigningKey = errors.New("admin validator: signing key required")
	ErrMissingAdminIssuer     = errors.New("admin validator: issuer required")
	ErrMissingAdminToken      = errors.New("admin validator: token required")
	ErrInvalidAdminToken      = errors.New("admin validator: invalid token")
	ErrExpiredAdminToken      = errors.New("admin validator: token expired")
	ErrMissingAdminSubject    = errors.New("admin validator: subject required")
)

// AdminClaims is the payload of tokens guarding the sync operations API.
type AdminClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AdminValidatorConfig describes how to validate admin JWTs.
type AdminValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// AdminValidator validates HS256 JWTs minted by TokenIssuer.
type AdminValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewAdminValidator constructs a validator with the provided configuration.
func NewAdminValidator(cfg AdminValidatorConfig) (*AdminValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingAdminSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingAdminIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AdminValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *AdminValidator) ValidateToken(tokenString string) (AdminClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AdminClaims{}, ErrMissingAdminToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidAdminToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AdminClaims{}, ErrExpiredAdminToken
		}
		return AdminClaims{}, fmt.Errorf("%w: %v", ErrInvalidAdminToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AdminClaims{}, ErrInvalidAdminToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AdminClaims{}, ErrMissingAdminSubject
	}
	return *claims, nil
}

// ValidateRequest reads a bearer token from the Authorization header, or
// from the access_token query parameter for EventSource clients that cannot
// set headers.
func (v *AdminValidator) ValidateRequest(r *http.Request) (AdminClaims, error) {
	if r == nil {
		return AdminClaims{}, ErrMissingAdminToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("Bearer ") && strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return v.ValidateToken(header[len("Bearer "):])
	}
	return v.ValidateToken(r.URL.Query().Get(accessTokenQueryParameter))
}
