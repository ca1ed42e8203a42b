// Package token issues and verifies the gateway's capability tokens:
// short-lived service tokens carried on outbound command calls, and
// time-bound magic-link tokens embedded in confirmation URLs.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"commgate/internal/config"
)

var ErrInvalidToken = errors.New("token: invalid or expired")

// ServiceClaims is attached to outbound command requests so target services
// can authorize the gateway.
type ServiceClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// MagicLinkClaims binds a magic-link token to the record it confirms.
type MagicLinkClaims struct {
	jwt.RegisteredClaims
	ReferenceID string `json:"ref_id"`
	Purpose     string `json:"purpose,omitempty"`
}

type Issuer struct {
	secret          []byte
	issuer          string
	audience        string
	serviceTokenTTL time.Duration
	magicLinkTTL    time.Duration
}

func NewIssuer(cfg config.AuthConfig) (*Issuer, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("token: jwt secret is empty")
	}
	svcTTL, err := config.ParseDurationOrDefault("auth.service_token_ttl", cfg.ServiceTokenTTL, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	linkTTL, err := config.ParseDurationOrDefault("auth.magic_link_ttl", cfg.MagicLinkTTL, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	iss := cfg.Issuer
	if iss == "" {
		iss = "commgate"
	}
	aud := cfg.Audience
	if aud == "" {
		aud = "commgate.internal"
	}
	return &Issuer{
		secret:          []byte(cfg.JWTSecret),
		issuer:          iss,
		audience:        aud,
		serviceTokenTTL: svcTTL,
		magicLinkTTL:    linkTTL,
	}, nil
}

// IssueServiceToken mints a token identifying the gateway to a target
// service with the given scopes.
func (i *Issuer) IssueServiceToken(subject string, scopes []string) (string, error) {
	now := time.Now().UTC()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.serviceTokenTTL)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// VerifyServiceToken parses and validates a service token.
func (i *Issuer) VerifyServiceToken(raw string) (*ServiceClaims, error) {
	var claims ServiceClaims
	if err := i.parse(raw, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// IssueMagicLinkToken mints the signed token that a confirmation URL
// carries. refID is the dispatch or verification id it confirms.
func (i *Issuer) IssueMagicLinkToken(refID, purpose string, ttl time.Duration) (string, error) {
	// Zero means "use the configured default". A negative ttl is honored as
	// given and produces a token that is already expired.
	if ttl == 0 {
		ttl = i.magicLinkTTL
	}
	now := time.Now().UTC()
	claims := MagicLinkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ReferenceID: refID,
		Purpose:     purpose,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// VerifyMagicLinkToken checks signature and expiry and returns the claims.
func (i *Issuer) VerifyMagicLinkToken(raw string) (*MagicLinkClaims, error) {
	var claims MagicLinkClaims
	if err := i.parse(raw, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (i *Issuer) parse(raw string, claims jwt.Claims) error {
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithAudience(i.audience))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return ErrInvalidToken
	}
	return nil
}
